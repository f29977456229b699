package rabbitmq

import (
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of a queued chat job.
type JobMessage struct {
	JobID string `json:"job_id"`
}

var ErrBadMessage = errors.New("rabbitmq: malformed job message")

func EncodeJob(jobID string) ([]byte, error) {
	return json.Marshal(JobMessage{JobID: jobID})
}

func DecodeJob(body []byte) (string, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", errors.Join(ErrBadMessage, err)
	}
	if m.JobID == "" {
		return "", ErrBadMessage
	}
	return m.JobID, nil
}

type queueDecl struct {
	name string
	args amqp.Table
}

// queues lists the durable queues behind one job queue: the main queue
// dead-letters rejected jobs to <queue>.dlq, and <queue>.retry dead-letters
// expired messages back to the main queue.
func queues(queue string) []queueDecl {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"
	return []queueDecl{
		{name: dlqQ},
		{name: retryQ, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}},
		{name: queue, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		}},
	}
}

// declare creates the queue topology. Publisher and consumer both call it, so
// either may start first.
func declare(ch *amqp.Channel, queue string) error {
	for _, q := range queues(queue) {
		if _, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false,
			q.args,
		); err != nil {
			return err
		}
	}
	return nil
}

// dial opens a connection and a channel with the topology declared.
func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

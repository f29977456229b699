package rabbitmq

import (
	"context"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler runs one job. A returned error rejects the delivery to the dead-letter queue
// unless the consumer is shutting down.
type Handler func(ctx context.Context, jobID string) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx ends or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	log.Printf("[worker] started queue=%s concurrency=%d", c.queue, c.concurrency)
	Serve(ctx, msgs, c.concurrency, handle)
	return nil
}

// Serve fans deliveries out to a fixed pool of workers. Each delivery is acked
// after its handler succeeds and nacked without requeue otherwise, unless ctx
// ended while it ran, in which case it is requeued. Serve returns
// once ctx is done or msgs is closed and every in-flight job has finished.
func Serve(ctx context.Context, msgs <-chan amqp.Delivery, concurrency int, handle Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker] shutting down")
			return
		case d, ok := <-msgs:
			if !ok {
				log.Printf("[worker] delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	jobID, err := DecodeJob(d.Body)
	if err != nil {
		log.Printf("[worker] worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, jobID); err != nil {
		if ctx.Err() != nil {
			// interrupted by shutdown, hand it to the next worker
			log.Printf("[worker] worker=%d job=%s requeued cost=%s err=%v", workerID, jobID, time.Since(start), err)
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Printf("[worker] worker=%d requeue failed job=%s err=%v", workerID, jobID, nackErr)
			}
			return
		}
		log.Printf("[worker] worker=%d job=%s failed cost=%s err=%v", workerID, jobID, time.Since(start), err)
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Printf("[worker] worker=%d ack failed job=%s err=%v", workerID, jobID, err)
	}
}

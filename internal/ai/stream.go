package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const streamBuffer = 16

// send forwards one chunk unless ctx ends first. The bounded channel is what keeps
// a provider from racing ahead of a slow caller.
func send(ctx context.Context, chunks chan<- string, s string) bool {
	select {
	case chunks <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	// Increase scanner buffer for long JSON lines.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)
	return sc
}

// postJSON issues a streaming POST. Transport failures and non-2xx statuses come
// back as *Error.
func postJSON(ctx context.Context, client *http.Client, service, url string, headers map[string]string, body any) (*http.Response, error) {
	if client == nil {
		return nil, &Error{Service: service, Kind: KindServiceUnavailable, Message: "http client is nil"}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Service: service, Kind: KindUnknown, Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &Error{Service: service, Kind: KindUnknown, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(service, resp)
	}
	return resp, nil
}

// readErr turns a body read failure into the error the stream should report.
// Reads interrupted by our own cancellation report the context error.
func readErr(ctx context.Context, service string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Service: service, Kind: KindNetwork, Cause: err}
	}
	return transportError(service, err)
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatReq struct {
	Model    string      `json:"model"`
	Messages []openAIMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type openAIStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

func toOpenAIMsgs(messages []Message) []openAIMsg {
	out := make([]openAIMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, openAIMsg{Role: m.Role, Content: m.Content})
	}
	return out
}

// streamOpenAICompatible runs a /chat/completions SSE stream; shared by every
// backend that speaks the OpenAI wire format.
func streamOpenAICompatible(ctx context.Context, client *http.Client, service, url string, headers map[string]string, model string, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, streamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := postJSON(ctx, client, service, url, headers, openAIChatReq{
			Model:    model,
			Messages: toOpenAIMsgs(messages),
			Stream:   true,
		})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := newScanner(resp.Body)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded openAIStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- &Error{Service: service, Kind: KindUnknown, Message: "malformed stream event", Cause: err}
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				e := &Error{Service: service, Message: decoded.Error.Message}
				if code, ok := decoded.Error.Code.(float64); ok {
					e.Status = int(code)
				}
				errs <- e
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta != "" && !send(ctx, chunks, delta) {
				errs <- ctx.Err()
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- readErr(ctx, service, err)
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

// newStreamingClient has no overall timeout: a stream may legitimately run for
// minutes. The provider deadline is the wait for response headers.
func newStreamingClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 90 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}

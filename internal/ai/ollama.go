package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ServiceOllama = "ollama"

type OllamaProvider struct {
	BaseURL string
	Catalog *Catalog
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaStreamResp struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL string, catalog *Catalog, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if catalog == nil {
		catalog = NewCatalog(ServiceOllama, "llama3:latest", nil, nil)
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Catalog: catalog,
		Client:  newStreamingClient(timeout),
	}
}

func (p *OllamaProvider) Name() string { return ServiceOllama }

func (p *OllamaProvider) ResolveModel(model string) (string, error) {
	return p.Catalog.Resolve(model)
}

// StreamChat streams assistant content chunks from the NDJSON /api/chat endpoint.
func (p *OllamaProvider) StreamChat(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, streamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		reqBody := ollamaChatReq{
			Model:  model,
			Stream: true,
			Messages: func() []ollamaMsg {
				out := make([]ollamaMsg, 0, len(messages))
				for _, m := range messages {
					out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
				}
				return out
			}(),
		}

		url := fmt.Sprintf("%s/api/chat", p.BaseURL)
		resp, err := postJSON(ctx, p.Client, ServiceOllama, url, nil, reqBody)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := newScanner(resp.Body)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- &Error{Service: ServiceOllama, Kind: KindUnknown, Message: "malformed stream line", Cause: err}
				return
			}
			if decoded.Error != "" {
				errs <- ollamaError(decoded.Error)
				return
			}

			if decoded.Message.Content != "" && !send(ctx, chunks, decoded.Message.Content) {
				errs <- ctx.Err()
				return
			}

			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- readErr(ctx, ServiceOllama, err)
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

// ollamaError maps an in-stream error line. Ollama reports an unpulled model as
// `model "x" not found`, which is the only case it gives a distinct shape for.
func ollamaError(msg string) *Error {
	e := &Error{Service: ServiceOllama, Message: msg}
	if strings.Contains(msg, "not found") && strings.Contains(msg, "model") {
		e.Kind = KindInvalidModel
	}
	return e
}

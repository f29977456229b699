package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const ServiceGemini = "gemini"

type GeminiProvider struct {
	BaseURL string
	APIKey  string
	Catalog *Catalog
	Client  *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
}

type geminiStreamResp struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGeminiProvider(baseURL, apiKey string, catalog *Catalog, timeout time.Duration) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	if catalog == nil {
		catalog = NewCatalog(ServiceGemini, "gemini-1.5-flash", nil, nil)
	}
	return &GeminiProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Catalog: catalog,
		Client:  newStreamingClient(timeout),
	}
}

func (p *GeminiProvider) Name() string { return ServiceGemini }

func (p *GeminiProvider) ResolveModel(model string) (string, error) {
	return p.Catalog.Resolve(strings.TrimPrefix(strings.TrimSpace(model), "models/"))
}

func buildGeminiRequest(messages []Message) geminiRequest {
	var req geminiRequest
	for _, m := range messages {
		if m.Role == RoleSystem {
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return req
}

func (p *GeminiProvider) StreamChat(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return failed(unconfigured(ServiceGemini))
	}

	chunks := make(chan string, streamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
			p.BaseURL, url.PathEscape(model))
		headers := map[string]string{"x-goog-api-key": p.APIKey}
		resp, err := postJSON(ctx, p.Client, ServiceGemini, endpoint, headers, buildGeminiRequest(messages))
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := newScanner(resp.Body)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var decoded geminiStreamResp
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &decoded); err != nil {
				errs <- &Error{Service: ServiceGemini, Kind: KindUnknown, Message: "malformed stream event", Cause: err}
				return
			}
			if decoded.Error != nil {
				errs <- &Error{Service: ServiceGemini, Status: decoded.Error.Code, Message: decoded.Error.Message}
				return
			}
			if len(decoded.Candidates) == 0 {
				continue
			}
			for _, part := range decoded.Candidates[0].Content.Parts {
				if part.Text != "" && !send(ctx, chunks, part.Text) {
					errs <- ctx.Err()
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- readErr(ctx, ServiceGemini, err)
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

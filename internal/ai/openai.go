package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ServiceOpenAI = "openai"

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI itself, DeepSeek, a local vLLM, ...).
type OpenAIProvider struct {
	BaseURL string
	APIKey  string
	Catalog *Catalog
	Client  *http.Client
}

func NewOpenAIProvider(baseURL, apiKey string, catalog *Catalog, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if catalog == nil {
		catalog = NewCatalog(ServiceOpenAI, "gpt-4o-mini", nil, nil)
	}
	return &OpenAIProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Catalog: catalog,
		Client:  newStreamingClient(timeout),
	}
}

func (p *OpenAIProvider) Name() string { return ServiceOpenAI }

func (p *OpenAIProvider) ResolveModel(model string) (string, error) {
	return p.Catalog.Resolve(model)
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return failed(unconfigured(ServiceOpenAI))
	}
	headers := map[string]string{"Authorization": "Bearer " + p.APIKey}
	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	return streamOpenAICompatible(ctx, p.Client, ServiceOpenAI, url, headers, model, messages)
}

package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ServiceOpenRouter = "openrouter"

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	SiteURL string
	AppName string
	Catalog *Catalog
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, siteURL, appName string, catalog *Catalog, timeout time.Duration) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if catalog == nil {
		catalog = NewCatalog(ServiceOpenRouter, "openrouter/auto", nil, nil)
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		SiteURL: siteURL,
		AppName: appName,
		Catalog: catalog,
		Client:  newStreamingClient(timeout),
	}
}

func (p *OpenRouterProvider) Name() string { return ServiceOpenRouter }

func (p *OpenRouterProvider) ResolveModel(model string) (string, error) {
	return p.Catalog.Resolve(model)
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return failed(unconfigured(ServiceOpenRouter))
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.APIKey,
		"HTTP-Referer":  p.SiteURL,
		"X-Title":       p.AppName,
	}
	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	return streamOpenAICompatible(ctx, p.Client, ServiceOpenRouter, url, headers, model, messages)
}

// failed returns an already-terminated stream carrying err.
func failed(err error) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}

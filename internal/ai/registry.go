package ai

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Rule routes a model identifier to a service when Match occurs in it
// (case-insensitive substring).
type Rule struct {
	Match   string `yaml:"match"`
	Service string `yaml:"service"`
}

// DefaultRules is the built-in inference table. Order matters: the first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "gemini", Service: ServiceGemini},
		{Match: "gpt-", Service: ServiceOpenAI},
		{Match: "deepseek", Service: ServiceOpenAI},
		{Match: "/", Service: ServiceOpenRouter},
		{Match: "mistral", Service: ServiceOpenRouter},
		{Match: "mixtral", Service: ServiceOpenRouter},
		{Match: "claude", Service: ServiceOpenRouter},
		{Match: "llama", Service: ServiceOllama},
		{Match: "qwen", Service: ServiceOllama},
		{Match: "phi", Service: ServiceOllama},
		{Match: ":", Service: ServiceOllama},
	}
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	rules    []Rule
	fallback string
}

func NewRegistry(fallback string, rules []Rule) *Registry {
	if rules == nil {
		rules = DefaultRules()
	}
	norm := make([]Rule, 0, len(rules))
	for _, r := range rules {
		m := strings.ToLower(strings.TrimSpace(r.Match))
		if m == "" {
			continue
		}
		norm = append(norm, Rule{Match: m, Service: normalize(r.Service)})
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		rules:    norm,
		fallback: normalize(fallback),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(a Adapter) {
	name := normalize(a.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	name = normalize(name)
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Service: name, Kind: KindServiceUnavailable, Message: fmt.Sprintf("unknown ai service: %s", name), Cause: ErrUnknownService}
	}
	return a, nil
}

// Infer picks a service for model using the rule table, falling back to the
// configured default when nothing matches.
func (r *Registry) Infer(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m != "" {
		for _, rule := range r.rules {
			if strings.Contains(m, rule.Match) {
				return rule.Service
			}
		}
	}
	return r.fallback
}

// Resolve selects the adapter for a request and canonicalizes its model.
// An explicit service always wins over inference.
func (r *Registry) Resolve(service, model string) (Adapter, string, error) {
	name := normalize(service)
	if name == "" {
		name = r.Infer(model)
	}
	a, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	canonical, err := a.ResolveModel(model)
	if err != nil {
		return nil, "", err
	}
	return a, canonical, nil
}

// Services lists registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package ai

import "strings"

// Catalog is the set of model identifiers a backend accepts.
//
// Besides exact canonical ids it recognizes two abbreviations: the bare name of a
// namespaced id ("mistral-7b-instruct" for "mistralai/mistral-7b-instruct") and an
// untagged name whose ":latest" tag is implied. Abbreviations that would match
// more than one canonical id are not recognized.
type Catalog struct {
	service  string
	fallback string
	models   map[string]string
	aliases  map[string]string
}

func NewCatalog(service, defaultModel string, models []string, aliases map[string]string) *Catalog {
	c := &Catalog{
		service:  service,
		fallback: strings.TrimSpace(defaultModel),
		models:   make(map[string]string),
		aliases:  make(map[string]string),
	}
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		c.models[strings.ToLower(m)] = m
	}
	if c.fallback != "" {
		c.models[strings.ToLower(c.fallback)] = c.fallback
	}

	ambiguous := make(map[string]bool)
	for key, canon := range c.models {
		for _, short := range shortForms(key) {
			if _, exact := c.models[short]; exact {
				continue
			}
			if prev, ok := c.aliases[short]; ok && prev != canon {
				ambiguous[short] = true
				continue
			}
			c.aliases[short] = canon
		}
	}
	for short := range ambiguous {
		delete(c.aliases, short)
	}

	for alias, target := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if canon, ok := c.models[strings.ToLower(strings.TrimSpace(target))]; ok && alias != "" {
			c.aliases[alias] = canon
		}
	}
	return c
}

func shortForms(id string) []string {
	var out []string
	name := id
	if i := strings.LastIndex(id, "/"); i >= 0 && i < len(id)-1 {
		name = id[i+1:]
		out = append(out, name)
	}
	if base, ok := strings.CutSuffix(name, ":latest"); ok && base != "" {
		out = append(out, base)
	}
	return out
}

// Resolve returns the canonical form of model, or an InvalidModel error.
// An empty model resolves to the catalog default.
func (c *Catalog) Resolve(model string) (string, error) {
	m := strings.TrimSpace(model)
	if m == "" {
		if c.fallback == "" {
			return "", invalidModel(c.service, model)
		}
		return c.fallback, nil
	}
	key := strings.ToLower(m)
	if canon, ok := c.models[key]; ok {
		return canon, nil
	}
	if canon, ok := c.aliases[key]; ok {
		return canon, nil
	}
	return "", invalidModel(c.service, m)
}

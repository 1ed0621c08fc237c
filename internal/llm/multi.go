package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient routes each request to a named provider by model. Models
// without a mapping go to the default provider.
type MultiClient struct {
	providers map[string]Client
	models    map[string]string
	def       string
}

// NewMultiClient creates a router whose default provider is def.
func NewMultiClient(def string, client Client) *MultiClient {
	m := &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		def:       def,
	}
	if client != nil {
		m.providers[def] = client
	}
	return m
}

// AddProvider registers client under name, replacing any previous one.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes modelName to providerName.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Provider names the provider that serves model. A mapping to an
// unregistered provider falls back to the default.
func (m *MultiClient) Provider(model string) string {
	if name, ok := m.models[model]; ok {
		if _, ok := m.providers[name]; ok {
			return name
		}
	}
	return m.def
}

// Lookup returns the provider registered under name.
func (m *MultiClient) Lookup(name string) (Client, bool) {
	c, ok := m.providers[name]
	return c, ok
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chat sends req to the provider that serves req.Model.
func (m *MultiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c, ok := m.providers[m.Provider(req.Model)]
	if !ok {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return c.Chat(ctx, req)
}

// Ping checks every registered provider and joins the failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.providers) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	for _, name := range m.Providers() {
		if err := m.providers[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

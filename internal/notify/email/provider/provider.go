// Package provider defines the email provider interface and a registry with
// primary/fallback selection over SMTP, AWS SES and Resend backends.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// EmailRequest is one alert email.
type EmailRequest struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    string // preferred over Body when set

	// Tags identify the alert, e.g. alert_id and device_id. They travel as
	// X-Alert-* headers over SMTP and as message tags with SES and Resend.
	Tags map[string]string
}

// SortedTags returns the tag names in order.
func (r *EmailRequest) SortedTags() []string {
	return slices.Sorted(maps.Keys(r.Tags))
}

// Provider is an email backend.
type Provider interface {
	// Name is the registry key: "smtp", "ses" or "resend".
	Name() string
	Send(ctx context.Context, req *EmailRequest) error
	// IsConfigured reports whether the backend has credentials to send.
	IsConfigured() bool
}

// Registry holds the registered providers and picks which to send with:
// the primary, then the fallbacks in order. When neither is configured any
// configured provider is used, by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p, replacing any provider of the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
	slog.Info("Registered email provider", "name", p.Name(), "configured", p.IsConfigured())
}

func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegisteredLocked(name); err != nil {
		return err
	}
	r.primary = name
	return nil
}

func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegisteredLocked(names...); err != nil {
		return err
	}
	r.fallback = slices.Clone(names)
	return nil
}

func (r *Registry) checkRegisteredLocked(names ...string) error {
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
	}
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// chain returns the configured providers in the order Send tries them.
func (r *Registry) chain() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	seen := make(map[string]bool)
	for _, name := range append([]string{r.primary}, r.fallback...) {
		if p, ok := r.providers[name]; ok && p.IsConfigured() && !seen[name] {
			seen[name] = true
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, name := range r.sortedNamesLocked() {
		if p := r.providers[name]; p.IsConfigured() {
			return []Provider{p}
		}
	}
	return nil
}

// GetPrimary returns the provider Send tries first.
func (r *Registry) GetPrimary() (Provider, error) {
	chain := r.chain()
	if len(chain) == 0 {
		return nil, fmt.Errorf("no configured email provider available")
	}
	if chain[0].Name() != r.primaryName() {
		slog.Warn("Primary email provider not configured", "primary", r.primaryName(), "using", chain[0].Name())
	}
	return chain[0], nil
}

func (r *Registry) primaryName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Send tries each provider of the chain until one accepts req. When all of
// them fail the first provider's error is returned.
func (r *Registry) Send(ctx context.Context, req *EmailRequest) error {
	chain := r.chain()
	if len(chain) == 0 {
		return fmt.Errorf("no configured email provider available")
	}

	var firstErr error
	for i, p := range chain {
		err := p.Send(ctx, req)
		if err == nil {
			return nil
		}
		if i == 0 {
			firstErr = err
		}
		if i+1 < len(chain) {
			slog.Warn("Email provider failed, trying next",
				"provider", p.Name(),
				"next", chain[i+1].Name(),
				"error", err,
			)
		}
	}
	return firstErr
}

// Available returns the names of configured providers, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.sortedNamesLocked() {
		if r.providers[name].IsConfigured() {
			names = append(names, name)
		}
	}
	return names
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

func (r *Registry) sortedNamesLocked() []string {
	return slices.Sorted(maps.Keys(r.providers))
}

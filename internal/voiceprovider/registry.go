package voiceprovider

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"voice-platform/internal/apperr"
	"voice-platform/internal/config"
)

// Registry holds the providers whose credentials were present at startup and
// names the active one.
type Registry struct {
	active    string
	providers map[string]Provider
}

func NewRegistry(active string, providers ...Provider) *Registry {
	r := &Registry{active: strings.ToLower(active), providers: map[string]Provider{}}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Deps are the collaborators Build wires into providers that need them.
type Deps struct {
	HTTPClient *http.Client
	Dialer     Dialer
	Agents     AgentAssigner
}

// Build registers every provider with an API key in cfg.
func Build(cfg config.Config, deps Deps) *Registry {
	opts := OptionsForEnv(cfg.IsProduction())
	v := cfg.Voice

	var ps []Provider
	if v.Retell.APIKey != "" {
		ps = append(ps, NewRetell(RetellConfig{
			APIKey:        v.Retell.APIKey,
			WebhookSecret: v.Retell.WebhookSecret,
			BaseURL:       v.Retell.BaseURL,
			AgentID:       v.Retell.AgentID,
			FromNumber:    cfg.Twilio.FromNumber,
		}, opts, deps.HTTPClient))
	}
	if v.Vapi.APIKey != "" {
		ps = append(ps, NewVapi(VapiConfig{
			APIKey:        v.Vapi.APIKey,
			WebhookSecret: v.Vapi.WebhookSecret,
			BaseURL:       v.Vapi.BaseURL,
			AssistantID:   v.Vapi.AgentID,
			PhoneNumberID: v.Vapi.PhoneNumberID,
		}, opts, deps.HTTPClient))
	}
	if v.Awaz.APIKey != "" {
		ps = append(ps, NewAwaz(AwazConfig{
			APIKey:        v.Awaz.APIKey,
			WebhookSecret: v.Awaz.WebhookSecret,
			AgentID:       v.Awaz.AgentID,
			FromNumber:    cfg.Twilio.FromNumber,
		}, opts, deps.Dialer, deps.Agents))
	}
	return NewRegistry(v.ActiveProvider, ps...)
}

// Get returns a registered provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("voice provider %q: %w", name, apperr.ErrNotFound)
	}
	return p, nil
}

// Active returns the configured provider. It fails with apperr.ErrConfiguration
// when that provider was not registered.
func (r *Registry) Active() (Provider, error) {
	if p, ok := r.providers[r.active]; ok {
		return p, nil
	}
	names := r.Names()
	alt := "none"
	if len(names) > 0 {
		alt = strings.Join(names, ", ")
	}
	return nil, fmt.Errorf("%w: voice provider %q is not registered (missing credentials?); registered: %s",
		apperr.ErrConfiguration, r.active, alt)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MissingSecrets lists registered providers that would reject every
// production webhook because they have no secret.
func (r *Registry) MissingSecrets() []string {
	var out []string
	for _, name := range r.Names() {
		if r.providers[name].WebhookSecret() == "" {
			out = append(out, name)
		}
	}
	return out
}

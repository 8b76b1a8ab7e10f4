package profile

import (
	"context"
	"fmt"
	"strings"

	"voice-platform/internal/apperr"
)

// BusinessCandidate is one search hit from a places provider.
type BusinessCandidate struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// BusinessContext is everything known about a business before profiling.
type BusinessContext struct {
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Address     string   `json:"address,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Website     string   `json:"website,omitempty"`
	Hours       []string `json:"hours,omitempty"`
	Description string   `json:"description,omitempty"`
	Reviews     []string `json:"reviews,omitempty"`
}

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// BusinessProfile is what the voice agent is primed with.
type BusinessProfile struct {
	Name     string   `json:"name"`
	Category string   `json:"category,omitempty"`
	Greeting string   `json:"greeting"`
	Persona  string   `json:"persona,omitempty"`
	Services []string `json:"services,omitempty"`
	Hours    []string `json:"hours,omitempty"`
	Address  string   `json:"address,omitempty"`
	FAQs     []FAQ    `json:"faqs,omitempty"`
}

type Options struct {
	Language string `json:"language,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

// Places looks businesses up. No implementation ships with the service.
type Places interface {
	LookupBusiness(ctx context.Context, query string) ([]BusinessCandidate, error)
	GetBusinessDetails(ctx context.Context, id string) (BusinessContext, error)
}

type Builder interface {
	Build(ctx context.Context, bc BusinessContext, opts Options) (BusinessProfile, error)
}

// Deterministic builds a profile from the context alone.
type Deterministic struct{}

func (Deterministic) Build(_ context.Context, bc BusinessContext, opts Options) (BusinessProfile, error) {
	name := strings.TrimSpace(bc.Name)
	if name == "" {
		return BusinessProfile{}, apperr.Validation("business.name", "required")
	}
	tone := opts.Tone
	if tone == "" {
		tone = "friendly"
	}

	p := BusinessProfile{
		Name:     name,
		Category: bc.Category,
		Greeting: fmt.Sprintf("Thanks for calling %s, how can I help you today?", name),
		Persona:  fmt.Sprintf("A %s receptionist for %s.", tone, describe(bc)),
		Hours:    bc.Hours,
		Address:  bc.Address,
	}
	if bc.Category != "" {
		p.Services = []string{bc.Category}
	}
	if len(bc.Hours) > 0 {
		p.FAQs = append(p.FAQs, FAQ{Question: "What are your hours?", Answer: strings.Join(bc.Hours, "; ")})
	}
	if bc.Address != "" {
		p.FAQs = append(p.FAQs, FAQ{Question: "Where are you located?", Answer: bc.Address})
	}
	return p, nil
}

func describe(bc BusinessContext) string {
	if bc.Category == "" {
		return bc.Name
	}
	return fmt.Sprintf("%s, a %s business", bc.Name, strings.ToLower(bc.Category))
}

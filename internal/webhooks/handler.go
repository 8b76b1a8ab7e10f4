package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"voice-platform/internal/apperr"
	"voice-platform/internal/events"
	"voice-platform/internal/metrics"
	"voice-platform/internal/voiceprovider"
	"voice-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultMaxBody  = 1 << 20
	logPayloadBytes = 512
)

// Providers resolves a provider by its URL name.
type Providers interface {
	Get(name string) (voiceprovider.Provider, error)
}

// Recorder is the event ledger.
type Recorder interface {
	Record(ctx context.Context, ev events.ProviderEvent) (events.Outcome, error)
}

// Handler serves POST /webhooks/voice/:provider.
//
// Flow: signature, parse, validate, resolve call, upsert ledger row, apply
// status. Auth, not-found and validation failures get distinct status codes;
// anything else is a generic 500.
type Handler struct {
	Providers Providers
	Ledger    Recorder
	Metrics   *metrics.Webhooks

	// MaxBody caps the request body; defaults to 1 MiB.
	MaxBody int64
}

func (h Handler) HandleProviderEvent(c *gin.Context) {
	log := logger.FromGin(c)
	name := c.Param("provider")

	p, err := h.Providers.Get(name)
	if err != nil {
		h.Metrics.Observe(name, "unknown_provider")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	log = log.With("provider", p.Name())

	max := h.MaxBody
	if max <= 0 {
		max = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, max))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		h.Metrics.Observe(p.Name(), "bad_request")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sig := signature(c.Request.Header, p.SignatureHeaders())
	if !p.VerifyWebhook(sig, body, p.WebhookSecret()) {
		log.Warn("webhook signature rejected", "has_signature", sig != "")
		h.respondErr(c, p.Name(), apperr.ErrAuthentication)
		return
	}

	ev, err := p.ParseEvent(body)
	if err != nil {
		log.Warn("webhook parse failed", "err", err, "payload", apperr.Truncate(body, logPayloadBytes))
		h.respondErr(c, p.Name(), err)
		return
	}

	ctx := logger.With(c.Request.Context(), log)
	out, err := h.Ledger.Record(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrValidation):
			log.Warn("webhook event invalid", "err", err, "payload", apperr.Truncate(body, logPayloadBytes))
		case errors.Is(err, apperr.ErrNotFound):
			log.Warn("webhook for unknown call", "provider_call_id", ev.ProviderCallID, "event", ev.Event)
		default:
			log.Error("webhook processing failed", "err", err, "provider_call_id", ev.ProviderCallID)
			_ = c.Error(err)
		}
		h.respondErr(c, p.Name(), err)
		return
	}

	h.Metrics.Observe(p.Name(), "ok")
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"dedupe_key": out.DedupeKey,
		"applied":    out.Applied,
		"status":     out.Call.Status,
	})
}

func (h Handler) respondErr(c *gin.Context, provider string, err error) {
	status := apperr.HTTPStatus(err)
	h.Metrics.Observe(provider, resultLabel(status))
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

func resultLabel(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid"
	default:
		return "error"
	}
}

// signature returns the first non-empty header among names, then the generic x-signature.
func signature(h http.Header, names []string) string {
	for _, n := range append(names, "x-signature") {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}

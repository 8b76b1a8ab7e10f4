package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/audit"
	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/events"
	"voice-platform/internal/mediastream"
	"voice-platform/internal/metrics"
	"voice-platform/internal/profile"
	"voice-platform/internal/rbac"
	"voice-platform/internal/voiceprovider"
	"voice-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the slice of calls.Service the operator API uses.
type CallService interface {
	CreateSession(ctx context.Context, businessName string, profile json.RawMessage) (calls.Session, error)
	GetSession(ctx context.Context, id string) (calls.Session, error)
	GetCall(ctx context.Context, id string) (calls.Call, error)
	Begin(ctx context.Context, sessionID, provider, from, to string) (calls.Call, error)
	AttachProviderCall(ctx context.Context, callID, providerCallID, carrierSid string) (calls.Call, error)
	MarkFailed(ctx context.Context, callID, reason string) (calls.Call, error)
}

type ProviderSource interface {
	Get(name string) (voiceprovider.Provider, error)
	Active() (voiceprovider.Provider, error)
}

type EventHistory interface {
	History(ctx context.Context, provider, providerCallID string) ([]events.Record, error)
}

type StreamLister interface {
	List() []mediastream.StreamInfo
}

// AuditLog records operator actions. Failures are logged, never returned.
type AuditLog interface {
	LogSessionCreated(ctx context.Context, a audit.Actor, sessionID, businessName string) error
	LogCallStart(ctx context.Context, a audit.Actor, sessionID, callID, provider, failure string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     CallService
	Providers ProviderSource
	Profiles  profile.Builder
	Events    EventHistory
	Streams   StreamLister
	Sockets   metrics.SocketStats
	// Audit is optional.
	Audit AuditLog

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func actor(c *gin.Context) audit.Actor {
	ctx := c.Request.Context()
	id, _ := auth.OperatorID(ctx)
	role, _ := auth.Role(ctx)
	return audit.Actor{OperatorID: id, Role: role, IP: c.ClientIP()}
}

func (h Handlers) recordAudit(c *gin.Context, fn func(ctx context.Context, a audit.Actor) error) {
	if h.Audit == nil {
		return
	}
	if err := fn(c.Request.Context(), actor(c)); err != nil {
		logger.FromGin(c).Warn("audit append failed", "err", err)
	}
}

func respondErr(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	body := gin.H{"error": apperr.PublicMessage(err)}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	c.AbortWithStatusJSON(status, body)
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh exchanges a refresh token for a new token pair. Initial tokens are
// minted out of band with the `token` command.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		logger.FromGin(c).Debug("refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Sessions ---

type createSessionRequest struct {
	BusinessName string                   `json:"business_name"`
	Business     *profile.BusinessContext `json:"business,omitempty"`
	Profile      json.RawMessage          `json:"business_profile,omitempty"`
	Options      profile.Options          `json:"options"`
}

// CreateSession stores a business profile for later calls. When no profile
// is supplied one is built from the business context.
func (h Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	name := strings.TrimSpace(req.BusinessName)
	prof := req.Profile
	if len(prof) == 0 && req.Business != nil {
		if h.Profiles == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile builder not configured"})
			return
		}
		p, err := h.Profiles.Build(ctx, *req.Business, req.Options)
		if err != nil {
			respondErr(c, err)
			return
		}
		if prof, err = json.Marshal(p); err != nil {
			respondErr(c, err)
			return
		}
		if name == "" {
			name = p.Name
		}
	}
	if name == "" {
		respondErr(c, apperr.Validation("business_name", "required"))
		return
	}

	s, err := h.Calls.CreateSession(ctx, name, prof)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.recordAudit(c, func(ctx context.Context, a audit.Actor) error {
		return h.Audit.LogSessionCreated(ctx, a, s.ID, s.BusinessName)
	})
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) GetSession(c *gin.Context) {
	s, err := h.Calls.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// --- Calls ---

type startCallRequest struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone"`
	From      string `json:"from,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	// Provider overrides the configured active provider.
	Provider string `json:"provider,omitempty"`
}

// StartCall records a call and asks the voice provider to place it.
// A provider failure marks the call FAILED before the error is returned.
func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	start := voiceprovider.StartCallRequest{
		SessionID: req.SessionID,
		PhoneE164: strings.TrimSpace(req.Phone),
		From:      req.From,
		AgentID:   req.AgentID,
	}
	if err := voiceprovider.ValidateStart(start); err != nil {
		respondErr(c, err)
		return
	}

	var (
		p   voiceprovider.Provider
		err error
	)
	if req.Provider != "" {
		p, err = h.Providers.Get(req.Provider)
	} else {
		p, err = h.Providers.Active()
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	sess, err := h.Calls.GetSession(ctx, req.SessionID)
	if err != nil {
		respondErr(c, err)
		return
	}
	start.Profile = sess.Profile

	call, err := h.Calls.Begin(ctx, sess.ID, p.Name(), req.From, start.PhoneE164)
	if err != nil {
		respondErr(c, err)
		return
	}
	log := logger.FromGin(c).With("call_id", call.ID, "provider", p.Name())

	res, err := p.StartCall(logger.With(ctx, log), start)
	if err != nil {
		log.Warn("start call failed", "err", err, "provider_call_id", res.ProviderCallID)
		if res.ProviderCallID != "" || res.CarrierCallSid != "" {
			// Keep the ids of a call the provider placed before failing so
			// its callbacks still find the row.
			if _, aErr := h.Calls.AttachProviderCall(ctx, call.ID, res.ProviderCallID, res.CarrierCallSid); aErr != nil {
				log.Error("attach provider call failed", "err", aErr)
			}
		}
		reason := apperr.Truncate([]byte(err.Error()), 256)
		if _, mErr := h.Calls.MarkFailed(ctx, call.ID, reason); mErr != nil {
			log.Error("mark call failed", "err", mErr)
		}
		h.recordAudit(c, func(ctx context.Context, a audit.Actor) error {
			return h.Audit.LogCallStart(ctx, a, sess.ID, call.ID, p.Name(), reason)
		})
		respondErr(c, err)
		return
	}

	call, err = h.Calls.AttachProviderCall(ctx, call.ID, res.ProviderCallID, res.CarrierCallSid)
	if err != nil {
		respondErr(c, err)
		return
	}
	log.Info("call started", "provider_call_id", res.ProviderCallID)
	h.recordAudit(c, func(ctx context.Context, a audit.Actor) error {
		return h.Audit.LogCallStart(ctx, a, sess.ID, call.ID, p.Name(), "")
	})
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Calls.GetCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// ListCallEvents returns the ledgered provider events of one call.
func (h Handlers) ListCallEvents(c *gin.Context) {
	ctx := c.Request.Context()
	call, err := h.Calls.GetCall(ctx, c.Param("call_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if call.ProviderCallID == "" || h.Events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []events.Record{}})
		return
	}
	recs, err := h.Events.History(ctx, call.Provider, call.ProviderCallID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

// --- Admin ---

// ListStreams reports the live carrier bridges and backend sockets.
func (h Handlers) ListStreams(c *gin.Context) {
	streams := []mediastream.StreamInfo{}
	if h.Streams != nil {
		streams = append(streams, h.Streams.List()...)
	}
	out := gin.H{"streams": streams, "count": len(streams)}
	if h.Sockets != nil {
		out["sockets"] = gin.H{
			"total":     h.Sockets.ConnectionCount(),
			"connected": h.Sockets.ConnectedCount(),
		}
	}
	c.JSON(http.StatusOK, out)
}

// Convenience middleware bundles.

func RequireOperatorAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOperator(), rbac.RequireAnyRole(roles...)}
}

package main

import (
	"net/http"

	"voice-platform/internal/auth"
	"voice-platform/internal/httpapi"
	"voice-platform/internal/rbac"
	"voice-platform/internal/telephony"
	"voice-platform/internal/webhooks"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"active_streams": a.bridge.ActiveStreamCount(),
			"voice_sockets":  a.sockets.ConnectedCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	// Carrier webhooks. Signature checks are enforced in production only so
	// local tunnels work without matching the public URL. Twilio sends every
	// media frame and status callback from a few shared egress IPs, so these
	// routes stay off the per-IP limiter.
	{
		h := telephony.TwilioWebhookHandler{
			Calls:      a.calls,
			Bridge:     a.bridge,
			Admission:  a.admission,
			PublicURL:  a.cfg.App.PublicURL,
			StreamURL:  a.cfg.Twilio.StreamURL,
			GatherOnly: a.cfg.Twilio.GatherOnly,
			Greeting:   a.cfg.Twilio.Greeting,
			Metrics:    a.webhooks,
		}
		twilio := r.Group("/webhooks/twilio",
			telephony.RequireTwilioSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicURL, a.cfg.IsProduction(), a.webhooks),
		)
		twilio.POST("/voice", h.HandleVoice)
		twilio.POST("/gather", h.HandleGather)
		twilio.POST("/stream", h.HandleStream)
		twilio.POST("/status", h.HandleStatus)
		twilio.GET("/audio", h.HandleAudioPoll)
		twilio.POST("/audio", h.HandleAudioPush)
	}

	// Voice provider events; each provider verifies its own signature.
	{
		h := webhooks.Handler{
			Providers: a.providers,
			Ledger:    a.ledger,
			Metrics:   a.webhooks,
		}
		r.POST("/webhooks/voice/:provider", httpapi.RateLimit(a.limiter), h.HandleProviderEvent)
	}

	h := httpapi.Handlers{
		Auth:      a.auth,
		Calls:     a.calls,
		Providers: a.providers,
		Profiles:  a.profiles,
		Events:    a.ledger,
		Streams:   a.bridge,
		Sockets:   a.sockets,
		Audit:     a.audit,
	}

	r.POST("/v1/auth/refresh", h.Refresh)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth))
	{
		readers := []string{rbac.RoleOperator, rbac.RoleViewer}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", append(httpapi.RequireOperatorAndAnyRole(rbac.RoleOperator), h.CreateSession)...)
			sessions.GET("/:session_id", append(httpapi.RequireOperatorAndAnyRole(readers...), h.GetSession)...)
		}

		calls := v1.Group("/calls")
		{
			calls.POST("", append(httpapi.RequireOperatorAndAnyRole(rbac.RoleOperator), h.StartCall)...)
			calls.GET("/:call_id", append(httpapi.RequireOperatorAndAnyRole(readers...), h.GetCall)...)
			calls.GET("/:call_id/events", append(httpapi.RequireOperatorAndAnyRole(readers...), h.ListCallEvents)...)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(httpapi.RequireOperatorAndAnyRole(rbac.RoleAdmin)...)
		{
			admin.GET("/streams", h.ListStreams)
		}
	}
}

package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/calls"
	"voice-platform/internal/mediastream"
	"voice-platform/internal/metrics"
	"voice-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultGreeting = "Thanks for calling. Connecting you now."
	busyMessage     = "All of our agents are busy right now. Please try again later."
	gatherGoodbye   = "Thanks for calling. Someone will follow up with you shortly. Goodbye."

	// hangupTwiML is written when TwiML rendering itself fails.
	hangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

	// defaultInboundProvider is the backend the media bridge relays to.
	defaultInboundProvider = "awaz"
)

// TwilioWebhookHandler converts Twilio webhooks into bridge and call-state
// operations and writes TwiML.
//
// Every route answers 2xx to Twilio except the audio poll/push routes,
// which are called by our own workers.
type TwilioWebhookHandler struct {
	Calls  CallTracker
	Bridge StreamBridge

	// Admission is optional. Without it every call is bridged.
	Admission Admission

	// PublicURL is the base URL Twilio reaches us on.
	PublicURL string
	// StreamURL overrides PublicURL + /webhooks/twilio/stream.
	StreamURL string
	// GatherOnly answers with a speech <Gather> instead of bridging audio.
	GatherOnly bool
	Greeting   string
	// InboundProvider is recorded on calls the carrier delivers to us.
	InboundProvider string

	Metrics *metrics.Webhooks
	Now     func() time.Time
}

func (h TwilioWebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h TwilioWebhookHandler) inboundProvider() string {
	if h.InboundProvider == "" {
		return defaultInboundProvider
	}
	return h.InboundProvider
}

func (h TwilioWebhookHandler) streamURL() string {
	if h.StreamURL != "" {
		return h.StreamURL
	}
	if h.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(h.PublicURL, "/") + "/webhooks/twilio/stream"
}

// HandleVoice answers the call lifecycle webhook.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioVoice(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio voice webhook invalid", "err", err)
		h.Metrics.Observe("twilio", "invalid")
		xml, err := HangupTwiML("")
		h.writeTwiML(c, xml, err)
		return
	}
	log = log.With("call_sid", form.CallSid, "direction", form.Direction)
	ctx := logger.With(c.Request.Context(), log)

	// Agents are keyed by our number, which is From on calls we placed.
	params := StreamParams{To: form.To}
	if form.Outbound() {
		params.To = form.From
	}
	greeting := h.Greeting
	if greeting == "" {
		greeting = defaultGreeting
	}

	call, err := h.Calls.FindByCarrierSid(ctx, form.CallSid)
	switch {
	case err == nil:
		params.SessionID = call.SessionID
		params.CallID = call.ID
		if g := h.sessionGreeting(c, call.SessionID); g != "" {
			greeting = g
		}
		h.applyVoiceStatus(ctx, form)
	case errors.Is(err, apperr.ErrNotFound) && !form.Outbound():
		log.Info("inbound call", "from", form.From, "to", form.To)
		call, err := h.Calls.BeginInbound(ctx, form.CallSid, h.inboundProvider(), form.From, form.To)
		if err != nil {
			// The caller is still bridged; only the call record is missing.
			log.Error("inbound call not recorded", "err", err)
			break
		}
		params.SessionID = call.SessionID
		params.CallID = call.ID
		h.applyVoiceStatus(ctx, form)
	case errors.Is(err, apperr.ErrNotFound):
		log.Warn("outbound call not tracked")
	default:
		log.Warn("call lookup failed", "err", err)
	}

	if h.GatherOnly {
		h.Metrics.Observe("twilio", "gather")
		xml, err := GatherTwiML(greeting, strings.TrimRight(h.PublicURL, "/")+"/webhooks/twilio/gather")
		h.writeTwiML(c, xml, err)
		return
	}

	if h.Admission != nil {
		ok, err := h.Admission.Acquire(ctx, AdmissionKey)
		switch {
		case err != nil:
			log.Warn("admission check failed, bridging anyway", "err", err)
		case !ok:
			log.Warn("bridge capacity reached, hanging up")
			h.Metrics.Observe("twilio", "over_capacity")
			xml, err := HangupTwiML(busyMessage)
			h.writeTwiML(c, xml, err)
			return
		}
	}

	h.Metrics.Observe("twilio", "ok")
	xml, err := ConnectStreamTwiML(greeting, h.streamURL(), params)
	h.writeTwiML(c, xml, err)
}

func (h TwilioWebhookHandler) applyVoiceStatus(ctx context.Context, form TwilioVoiceForm) {
	st := MapCallStatus(form.CallStatus)
	if st == calls.StatusUnknown {
		return
	}
	if err := h.Calls.ApplyCarrierUpdate(ctx, form.CallSid, calls.Update{Status: st, OccurredAt: h.now()}); err != nil {
		logger.From(ctx).Warn("carrier status update failed", "status", st, "err", err)
	}
}

// HandleGather ends a call that went through the speech fallback.
func (h TwilioWebhookHandler) HandleGather(c *gin.Context) {
	log := logger.FromGin(c)
	if err := c.Request.ParseForm(); err != nil {
		log.Warn("twilio gather parse failed", "err", err)
	} else {
		log.Info("gather result",
			"call_sid", c.Request.PostFormValue("CallSid"),
			"speech_chars", len(c.Request.PostFormValue("SpeechResult")),
			"confidence", c.Request.PostFormValue("Confidence"),
		)
	}
	xml, err := HangupTwiML(gatherGoodbye)
	h.writeTwiML(c, xml, err)
}

// HandleStream receives media stream start/media/stop deliveries.
func (h TwilioWebhookHandler) HandleStream(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioStream(c.Request)
	if err != nil {
		log.Warn("twilio stream parse failed", "err", err)
		c.Status(http.StatusOK)
		return
	}
	if form.CallSid == "" || form.StreamSid == "" {
		log.Warn("twilio stream missing ids", "event", form.Event)
		c.Status(http.StatusOK)
		return
	}

	log = logger.ForStream(log, form.CallSid, form.StreamSid)
	ctx := logger.With(c.Request.Context(), log)

	switch form.Event {
	case "start":
		err = h.Bridge.Start(ctx, mediastream.StartParams{
			CallSid:   form.CallSid,
			StreamSid: form.StreamSid,
			To:        form.Params.To,
			SessionID: form.Params.SessionID,
			AgentID:   form.Params.AgentID,
		})
		if err != nil {
			log.Error("stream start failed", "err", err)
		}
	case "media":
		h.Bridge.Media(ctx, form.CallSid, form.StreamSid, form.MediaPayload)
	case "stop":
		if err := h.Bridge.Stop(ctx, form.CallSid, form.StreamSid); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				log.Debug("stop for unknown stream")
			} else {
				log.Warn("stream stop failed", "err", err)
			}
		}
	default:
		log.Debug("ignoring stream event", "event", form.Event)
	}
	c.Status(http.StatusOK)
}

// HandleStatus applies a status callback to the call it belongs to.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioStatus(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio status callback invalid", "err", err)
		h.Metrics.Observe("twilio", "invalid")
		c.Status(http.StatusOK)
		return
	}
	log = log.With("call_sid", form.CallSid, "call_status", form.CallStatus)
	ctx := logger.With(c.Request.Context(), log)

	st := MapCallStatus(form.CallStatus)
	if st == calls.StatusUnknown {
		log.Debug("ignoring unmapped call status")
		c.Status(http.StatusOK)
		return
	}

	// Only answered calls reached the voice webhook and hold a bridge slot.
	if form.CallStatus == "completed" && h.Admission != nil {
		if err := h.Admission.Release(ctx, AdmissionKey); err != nil {
			log.Warn("admission release failed", "err", err)
		}
	}

	occurred := h.now()
	if ts, err := time.Parse(time.RFC1123Z, form.Timestamp); err == nil {
		occurred = ts
	}
	err = h.Calls.ApplyCarrierUpdate(ctx, form.CallSid, calls.Update{
		Status:          st,
		OccurredAt:      occurred,
		DurationSeconds: form.CallDuration,
	})
	switch {
	case err == nil:
		h.Metrics.Observe("twilio", "ok")
	case errors.Is(err, apperr.ErrNotFound):
		log.Debug("status for untracked call")
		h.Metrics.Observe("twilio", "not_found")
	default:
		log.Error("carrier status update failed", "err", err)
		h.Metrics.Observe("twilio", "error")
	}
	c.Status(http.StatusOK)
}

// HandleAudioPoll drains the agent audio queued for one stream.
func (h TwilioWebhookHandler) HandleAudioPoll(c *gin.Context) {
	callSid := c.Query("callSid")
	streamSid := c.Query("streamSid")
	if callSid == "" || streamSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSid and streamSid are required"})
		return
	}

	frames, err := h.Bridge.GetQueuedAudio(callSid, streamSid)
	if err != nil {
		h.audioErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audio":    frames,
		"hasAudio": len(frames) > 0,
		"count":    len(frames),
	})
}

type audioPushRequest struct {
	CallSid   string `json:"callSid" binding:"required"`
	StreamSid string `json:"streamSid" binding:"required"`
	AudioData string `json:"audioData" binding:"required"`
}

// HandleAudioPush enqueues one base64 frame for the carrier.
func (h TwilioWebhookHandler) HandleAudioPush(c *gin.Context) {
	var req audioPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSid, streamSid and audioData are required"})
		return
	}
	frame, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audioData must be base64"})
		return
	}
	if err := h.Bridge.QueueAudio(req.CallSid, req.StreamSid, frame); err != nil {
		h.audioErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h TwilioWebhookHandler) audioErr(c *gin.Context, err error) {
	if !errors.Is(err, apperr.ErrNotFound) {
		logger.FromGin(c).Error("audio queue failed", "err", err)
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.PublicMessage(err)})
}

func (h TwilioWebhookHandler) sessionGreeting(c *gin.Context, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	s, err := h.Calls.GetSession(c.Request.Context(), sessionID)
	if err != nil || len(s.Profile) == 0 {
		return ""
	}
	var p struct {
		Greeting string `json:"greeting"`
	}
	if err := json.Unmarshal(s.Profile, &p); err != nil {
		logger.FromGin(c).Debug("session profile unreadable", "session_id", sessionID, "err", err)
		return ""
	}
	return strings.TrimSpace(p.Greeting)
}

func (h TwilioWebhookHandler) writeTwiML(c *gin.Context, xml string, err error) {
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		xml = hangupTwiML
	}
	c.Data(http.StatusOK, "application/xml", []byte(xml))
}

package mediastream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/pkg/logger"
)

var ErrStreamNotFound = fmt.Errorf("media stream: %w", apperr.ErrNotFound)

// Relay carries caller audio to the voice backend.
type Relay interface {
	CreateConnection(ctx context.Context, callSid, streamSid, agentID, sessionID string) error
	SendAudio(ctx context.Context, callSid, streamSid string, frame []byte) error
	CloseConnection(ctx context.Context, callSid, streamSid string) error
}

// AgentResolver picks the voice agent for a carrier call.
type AgentResolver interface {
	Resolve(ctx context.Context, callSid, to string) (string, error)
}

// CallCompleter marks the call bridged on a carrier sid COMPLETED.
type CallCompleter interface {
	CompleteByCarrierSid(ctx context.Context, callSid string) error
}

type key struct {
	callSid   string
	streamSid string
}

// Stream is one carrier media stream and its outbound audio queue.
type Stream struct {
	CallSid   string
	StreamSid string
	AgentID   string
	SessionID string
	StartedAt time.Time

	mu     sync.Mutex
	active bool
	queue  [][]byte
}

// StreamInfo is a read-only view of a Stream.
type StreamInfo struct {
	CallSid   string    `json:"call_sid"`
	StreamSid string    `json:"stream_sid"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Queued    int       `json:"queued"`
}

// StartParams are the fields of a carrier "start" event.
type StartParams struct {
	CallSid   string
	StreamSid string
	// To is the dialed number, used for agent lookup.
	To string
	// SessionID and AgentID come from the stream's custom parameters when present.
	SessionID string
	AgentID   string
}

// Bridge owns every live media stream. Streams are keyed by (callSid, streamSid).
// The map lock is never held while talking to the relay.
type Bridge struct {
	relay  Relay
	agents AgentResolver
	calls  CallCompleter
	clock  func() time.Time

	mu      sync.Mutex
	streams map[key]*Stream

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	queued    atomic.Uint64
}

func NewBridge(relay Relay, agents AgentResolver, calls CallCompleter) *Bridge {
	return &Bridge{
		relay:   relay,
		agents:  agents,
		calls:   calls,
		clock:   time.Now,
		streams: map[key]*Stream{},
	}
}

// SetRelay wires the relay after construction; the relay and the bridge
// reference each other.
func (b *Bridge) SetRelay(r Relay) { b.relay = r }

// Start registers a stream and opens its relay connection. A repeated start
// for the same key replaces the previous stream.
func (b *Bridge) Start(ctx context.Context, p StartParams) error {
	if p.CallSid == "" || p.StreamSid == "" {
		return apperr.Validation("CallSid/StreamSid", "required")
	}
	log := logger.ForStream(logger.From(ctx), p.CallSid, p.StreamSid)

	agentID := p.AgentID
	if agentID == "" && b.agents != nil {
		a, err := b.agents.Resolve(ctx, p.CallSid, p.To)
		if err != nil {
			log.Warn("agent resolution failed", "err", err)
		}
		agentID = a
	}

	s := &Stream{
		CallSid:   p.CallSid,
		StreamSid: p.StreamSid,
		AgentID:   agentID,
		SessionID: p.SessionID,
		StartedAt: b.clock().UTC(),
		active:    true,
	}
	k := key{p.CallSid, p.StreamSid}

	b.mu.Lock()
	if old, ok := b.streams[k]; ok {
		old.deactivate()
	}
	b.streams[k] = s
	b.mu.Unlock()

	log.Info("media stream started", "agent_id", agentID)

	if b.relay != nil {
		if err := b.relay.CreateConnection(ctx, p.CallSid, p.StreamSid, agentID, p.SessionID); err != nil {
			// The call continues without agent audio.
			log.Error("voice socket connect failed", "err", err)
		}
	}
	return nil
}

// Media forwards one base64 mu-law frame to the relay. Bad frames and relay
// failures are logged and dropped.
func (b *Bridge) Media(ctx context.Context, callSid, streamSid, payload string) {
	log := logger.ForStream(logger.From(ctx), callSid, streamSid)

	if _, err := b.active(callSid, streamSid); err != nil {
		b.dropped.Add(1)
		log.Debug("media for inactive stream dropped")
		return
	}
	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		b.dropped.Add(1)
		log.Warn("media payload decode failed", "err", err)
		return
	}
	if b.relay == nil {
		b.dropped.Add(1)
		return
	}
	if err := b.relay.SendAudio(ctx, callSid, streamSid, frame); err != nil {
		b.dropped.Add(1)
		log.Warn("media forward failed", "err", err)
		return
	}
	b.forwarded.Add(1)
}

// Stop tears the stream down, closes its relay connection and completes the call.
func (b *Bridge) Stop(ctx context.Context, callSid, streamSid string) error {
	log := logger.ForStream(logger.From(ctx), callSid, streamSid)

	b.remove(callSid, streamSid)

	if b.relay != nil {
		if err := b.relay.CloseConnection(ctx, callSid, streamSid); err != nil {
			log.Warn("voice socket close failed", "err", err)
		}
	}
	if b.calls != nil {
		if err := b.calls.CompleteByCarrierSid(ctx, callSid); err != nil {
			return fmt.Errorf("media stream stop: %w", err)
		}
	}
	log.Info("media stream stopped")
	return nil
}

// DropStream forgets a stream whose voice socket died. The call is left for
// the carrier's stop event or status callback to complete.
func (b *Bridge) DropStream(callSid, streamSid, reason string) {
	if !b.remove(callSid, streamSid) {
		return
	}
	logger.ForStream(logger.From(context.Background()), callSid, streamSid).
		Warn("media stream dropped", "reason", reason)
}

// GetQueuedAudio drains the stream's outbound queue and returns the frames
// base64-encoded in FIFO order.
func (b *Bridge) GetQueuedAudio(callSid, streamSid string) ([]string, error) {
	s, err := b.active(callSid, streamSid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	frames := s.queue
	s.queue = nil
	s.mu.Unlock()

	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, base64.StdEncoding.EncodeToString(f))
	}
	return out, nil
}

// QueueAudio appends a frame the agent wants played to the caller.
func (b *Bridge) QueueAudio(callSid, streamSid string, frame []byte) error {
	s, err := b.active(callSid, streamSid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrStreamNotFound
	}
	s.queue = append(s.queue, frame)
	b.queued.Add(1)
	return nil
}

// Has reports whether an active stream exists for the key.
func (b *Bridge) Has(callSid, streamSid string) bool {
	_, err := b.active(callSid, streamSid)
	return err == nil
}

// List returns the live streams ordered by start time.
func (b *Bridge) List() []StreamInfo {
	b.mu.Lock()
	out := make([]StreamInfo, 0, len(b.streams))
	for _, s := range b.streams {
		s.mu.Lock()
		out = append(out, StreamInfo{
			CallSid:   s.CallSid,
			StreamSid: s.StreamSid,
			AgentID:   s.AgentID,
			SessionID: s.SessionID,
			StartedAt: s.StartedAt,
			Queued:    len(s.queue),
		})
		s.mu.Unlock()
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown drops every stream. Relay connections are closed by the relay's own shutdown.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, s := range b.streams {
		s.deactivate()
		delete(b.streams, k)
	}
}

func (b *Bridge) ActiveStreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Bridge) FramesForwarded() uint64 { return b.forwarded.Load() }
func (b *Bridge) FramesDropped() uint64   { return b.dropped.Load() }
func (b *Bridge) FramesQueued() uint64    { return b.queued.Load() }

func (b *Bridge) active(callSid, streamSid string) (*Stream, error) {
	b.mu.Lock()
	s, ok := b.streams[key{callSid, streamSid}]
	b.mu.Unlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

func (b *Bridge) remove(callSid, streamSid string) bool {
	b.mu.Lock()
	s, ok := b.streams[key{callSid, streamSid}]
	delete(b.streams, key{callSid, streamSid})
	b.mu.Unlock()
	if ok {
		s.deactivate()
	}
	return ok
}

func (s *Stream) deactivate() {
	s.mu.Lock()
	s.active = false
	s.queue = nil
	s.mu.Unlock()
}

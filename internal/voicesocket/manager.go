package voicesocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/pkg/logger"

	"github.com/gorilla/websocket"
)

// Envelope types on the voice backend socket.
const (
	TypeAudio     = "audio"
	TypeText      = "text"
	TypeControl   = "control"
	TypeHeartbeat = "heartbeat"
)

const (
	writeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// Envelope is the JSON frame exchanged with the voice backend.
// Audio data is a base64 mu-law 8kHz string.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	CallID    string          `json:"callId"`
}

// Control is the data of a control envelope.
type Control struct {
	Action      string       `json:"action"`
	CallID      string       `json:"callId,omitempty"`
	StreamID    string       `json:"streamId,omitempty"`
	AgentID     string       `json:"agentId,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	AudioFormat *AudioFormat `json:"audioFormat,omitempty"`
	Message     string       `json:"message,omitempty"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
}

// AudioSink receives agent audio for playback to the caller. DropStream is
// called when a stream's socket dies without the carrier stopping it, so the
// sink can release whatever it holds for that stream.
type AudioSink interface {
	QueueAudio(callSid, streamSid string, frame []byte) error
	DropStream(callSid, streamSid, reason string)
}

type Config struct {
	URL    string
	APIKey string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

type key struct {
	callSid   string
	streamSid string
}

type conn struct {
	key       key
	agentID   string
	sessionID string
	ws        *websocket.Conn
	log       *slog.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
	lastBeat  atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Manager keeps exactly one voice backend socket per (callSid, streamSid).
type Manager struct {
	cfg   Config
	sink  AudioSink
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	conns map[key]*conn

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func NewManager(cfg Config, sink AudioSink, log *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		sink:  sink,
		log:   log,
		clock: time.Now,
		conns: map[key]*conn{},
	}
}

// SetSink wires the audio sink after construction.
func (m *Manager) SetSink(s AudioSink) { m.sink = s }

// CreateConnection opens a socket for the stream, replacing any existing one,
// and sends the init control message.
func (m *Manager) CreateConnection(ctx context.Context, callSid, streamSid, agentID, sessionID string) error {
	k := key{callSid, streamSid}
	log := logger.ForStream(m.log, callSid, streamSid)

	if old := m.take(k); old != nil {
		log.Info("replacing existing voice socket")
		m.teardown(old, "replaced", true)
	}

	header := http.Header{}
	if m.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}
	dctx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	ws, resp, err := m.cfg.Dialer.DialContext(dctx, m.cfg.URL, header)
	cancelDial()
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return apperr.Transient("voicesocket: dial", fmt.Errorf("%w (status %d)", err, status))
	}

	rctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		key:       k,
		agentID:   agentID,
		sessionID: sessionID,
		ws:        ws,
		log:       log.With("agent_id", agentID),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.connected.Store(true)
	c.lastBeat.Store(m.clock().UnixNano())

	if err := m.writeControl(c, Control{
		Action:      "init",
		CallID:      callSid,
		StreamID:    streamSid,
		AgentID:     agentID,
		SessionID:   sessionID,
		AudioFormat: &AudioFormat{Encoding: "mulaw", SampleRate: 8000},
	}); err != nil {
		cancel()
		_ = ws.Close()
		return apperr.Transient("voicesocket: init", err)
	}

	m.mu.Lock()
	prev := m.conns[k]
	m.conns[k] = c
	m.mu.Unlock()
	if prev != nil {
		// Lost a race with a concurrent create for the same key.
		m.teardown(prev, "replaced", true)
	}

	go m.readLoop(rctx, c)
	c.log.Info("voice socket connected")
	return nil
}

// SendAudio wraps frame in an audio envelope. Without a connected socket it
// only logs.
func (m *Manager) SendAudio(ctx context.Context, callSid, streamSid string, frame []byte) error {
	c := m.get(key{callSid, streamSid})
	if c == nil || !c.connected.Load() {
		logger.ForStream(m.log, callSid, streamSid).Warn("voice socket not connected, audio dropped")
		return nil
	}
	data, _ := json.Marshal(base64.StdEncoding.EncodeToString(frame))
	if err := m.write(c, Envelope{Type: TypeAudio, Data: data}); err != nil {
		return apperr.Transient("voicesocket: send audio", err)
	}
	return nil
}

// CloseConnection says goodbye to the backend if connected and always forgets the stream.
func (m *Manager) CloseConnection(ctx context.Context, callSid, streamSid string) error {
	if c := m.take(key{callSid, streamSid}); c != nil {
		m.teardown(c, "stream stopped", true)
	}
	return nil
}

// Start runs the liveness sweep until ctx is done or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.sweepCancel = cancel
	m.sweepDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-t.C:
				m.sweep()
			}
		}
	}()
}

// sweep closes stale sockets and pings the rest.
func (m *Manager) sweep() {
	now := m.clock()
	var stale, live []*conn

	m.mu.Lock()
	for k, c := range m.conns {
		if now.Sub(time.Unix(0, c.lastBeat.Load())) >= m.cfg.HeartbeatTimeout {
			stale = append(stale, c)
			delete(m.conns, k)
			continue
		}
		if c.connected.Load() {
			live = append(live, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.log.Warn("voice socket heartbeat timed out")
		m.teardown(c, "heartbeat timeout", false)
		m.dropStream(c, "heartbeat timeout")
	}
	for _, c := range live {
		if err := m.write(c, Envelope{Type: TypeHeartbeat}); err != nil {
			c.log.Warn("voice socket heartbeat send failed", "err", err)
		}
	}
}

// Shutdown stops the sweep and closes every socket.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel, done := m.sweepCancel, m.sweepDone
	all := make([]*conn, 0, len(m.conns))
	for k, c := range m.conns {
		all = append(all, c)
		delete(m.conns, k)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, c := range all {
		m.teardown(c, "shutdown", true)
	}
}

func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.connected.Load() {
			n++
		}
	}
	return n
}

// Has reports whether a socket entry exists for the stream.
func (m *Manager) Has(callSid, streamSid string) bool {
	return m.get(key{callSid, streamSid}) != nil
}

func (m *Manager) readLoop(ctx context.Context, c *conn) {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Info("voice socket closed by backend")
				} else {
					c.log.Warn("voice socket read failed", "err", err)
				}
				c.connected.Store(false)
				owned := m.forget(c)
				m.teardown(c, "read error", false)
				if owned {
					m.dropStream(c, "read error")
				}
			}
			return
		}
		m.dispatch(c, data)
	}
}

func (m *Manager) dispatch(c *conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("voice socket message malformed", "err", err, "payload", apperr.Truncate(data, 128))
		return
	}

	switch env.Type {
	case TypeAudio:
		var b64 string
		if err := json.Unmarshal(env.Data, &b64); err != nil {
			c.log.Warn("audio envelope data not a string", "err", err)
			return
		}
		frame, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			c.log.Warn("audio envelope decode failed", "err", err)
			return
		}
		if m.sink == nil {
			return
		}
		if err := m.sink.QueueAudio(c.key.callSid, c.key.streamSid, frame); err != nil {
			c.log.Debug("agent audio not queued", "err", err)
		}
	case TypeText:
		c.log.Info("agent text", "text", apperr.Truncate(env.Data, 256))
	case TypeControl:
		var ctl Control
		_ = json.Unmarshal(env.Data, &ctl)
		switch ctl.Action {
		case "ready":
			c.log.Info("voice backend ready")
		case "error":
			c.log.Error("voice backend reported error", "message", ctl.Message)
		default:
			c.log.Debug("voice backend control", "action", ctl.Action)
		}
	case TypeHeartbeat:
		c.lastBeat.Store(m.clock().UnixNano())
	default:
		c.log.Warn("voice socket message type unknown", "type", env.Type)
	}
}

// teardown is the single cleanup path for stop, timeout, read failure and
// shutdown. The caller must already have removed c from the map.
func (m *Manager) teardown(c *conn, reason string, graceful bool) {
	c.closeOnce.Do(func() {
		c.cancel()
		if graceful && c.connected.Load() {
			if err := m.writeControl(c, Control{Action: "disconnect", CallID: c.key.callSid}); err != nil {
				c.log.Debug("disconnect send failed", "err", err)
			}
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
		}
		c.connected.Store(false)
		_ = c.ws.Close()
		c.log.Info("voice socket closed", "reason", reason)
	})
}

func (m *Manager) dropStream(c *conn, reason string) {
	if m.sink != nil {
		m.sink.DropStream(c.key.callSid, c.key.streamSid, reason)
	}
}

func (m *Manager) writeControl(c *conn, ctl Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	return m.write(c, Envelope{Type: TypeControl, Data: data})
}

func (m *Manager) write(c *conn, env Envelope) error {
	env.CallID = c.key.callSid
	env.Timestamp = m.clock().UnixMilli()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(env); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			c.connected.Store(false)
		}
		return err
	}
	return nil
}

func (m *Manager) get(k key) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[k]
}

func (m *Manager) take(k key) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[k]
	delete(m.conns, k)
	return c
}

// forget removes c only if it is still the registered socket for its key.
func (m *Manager) forget(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.key] != c {
		return false
	}
	delete(m.conns, c.key)
	return true
}

package voicesocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// backend is a fake voice backend that records every envelope it receives.
type backend struct {
	srv  *httptest.Server
	auth chan string

	mu    sync.Mutex
	conns []*websocket.Conn
	recv  chan Envelope
	// closed receives the close code of each connection that ends.
	closed chan int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		auth:   make(chan string, 8),
		recv:   make(chan Envelope, 64),
		closed: make(chan int, 8),
	}
	up := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.auth <- r.Header.Get("Authorization")
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, ws)
		b.mu.Unlock()
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				code := -1
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				b.closed <- code
				return
			}
			b.recv <- env
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *backend) conn(i int) *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *backend) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-b.recv:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func (b *backend) nextClose(t *testing.T) int {
	t.Helper()
	select {
	case code := <-b.closed:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return 0
	}
}

type sink struct {
	mu      sync.Mutex
	frames  [][]byte
	got     chan struct{}
	dropped chan string
}

func newSink() *sink {
	return &sink{got: make(chan struct{}, 8), dropped: make(chan string, 8)}
}

func (s *sink) DropStream(callSid, streamSid, reason string) {
	s.dropped <- callSid + "/" + streamSid + ":" + reason
}

func (s *sink) nextDrop(t *testing.T) string {
	t.Helper()
	select {
	case d := <-s.dropped:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream drop")
		return ""
	}
}

func (s *sink) QueueAudio(_, _ string, frame []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func control(t *testing.T, env Envelope) Control {
	t.Helper()
	require.Equal(t, TypeControl, env.Type)
	var c Control
	require.NoError(t, json.Unmarshal(env.Data, &c))
	return c
}

func TestCreateConnection_SendsInitWithBearer(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url(), APIKey: "awaz-key"}, newSink(), nil)
	defer m.Shutdown()

	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "agent-1", "sess-1"))
	require.Equal(t, "Bearer awaz-key", <-be.auth)

	env := be.next(t)
	require.Equal(t, "CA1", env.CallID)
	ctl := control(t, env)
	require.Equal(t, "init", ctl.Action)
	require.Equal(t, "agent-1", ctl.AgentID)
	require.Equal(t, "sess-1", ctl.SessionID)
	require.Equal(t, &AudioFormat{Encoding: "mulaw", SampleRate: 8000}, ctl.AudioFormat)
	require.Equal(t, 1, m.ConnectedCount())
}

func TestCreateConnection_TwiceKeepsOneSocket(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url()}, newSink(), nil)
	defer m.Shutdown()
	ctx := context.Background()

	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "a", ""))
	be.next(t) // init
	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "b", ""))

	// the first socket gets a disconnect and a normal closure, the second an init
	actions := []string{control(t, be.next(t)).Action, control(t, be.next(t)).Action}
	require.ElementsMatch(t, []string{"disconnect", "init"}, actions)
	require.Equal(t, websocket.CloseNormalClosure, be.nextClose(t))

	require.Equal(t, 1, m.ConnectionCount())
}

func TestSendAudio(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url()}, newSink(), nil)
	defer m.Shutdown()
	ctx := context.Background()

	require.NoError(t, m.SendAudio(ctx, "CA9", "ST9", []byte("lost")))

	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "a", ""))
	be.next(t)
	require.NoError(t, m.SendAudio(ctx, "CA1", "ST1", []byte{0xff, 0x7f}))

	env := be.next(t)
	require.Equal(t, TypeAudio, env.Type)
	var data string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f}), data)
	require.NotZero(t, env.Timestamp)
}

func TestInboundAudioIsQueued(t *testing.T) {
	be := newBackend(t)
	s := newSink()
	m := NewManager(Config{URL: be.url()}, s, nil)
	defer m.Shutdown()

	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)

	payload, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte("agent says hi")))
	require.NoError(t, be.conn(0).WriteJSON(Envelope{Type: TypeAudio, Data: payload, CallID: "CA1"}))

	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("audio not queued")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, [][]byte{[]byte("agent says hi")}, s.frames)
}

func TestCloseConnection(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url()}, newSink(), nil)
	defer m.Shutdown()
	ctx := context.Background()

	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "a", ""))
	be.next(t)
	require.NoError(t, m.CloseConnection(ctx, "CA1", "ST1"))

	require.Equal(t, "disconnect", control(t, be.next(t)).Action)
	require.Equal(t, websocket.CloseNormalClosure, be.nextClose(t))
	require.False(t, m.Has("CA1", "ST1"))

	// unknown keys are a no-op
	require.NoError(t, m.CloseConnection(ctx, "CA1", "ST1"))
}

func TestSweep_StaleConnectionRemoved(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url(), HeartbeatInterval: time.Second, HeartbeatTimeout: 30 * time.Second}, newSink(), nil)
	defer m.Shutdown()

	base := time.Now()
	m.clock = func() time.Time { return base }
	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)

	// still fresh: heartbeat ping
	m.clock = func() time.Time { return base.Add(10 * time.Second) }
	m.sweep()
	require.Equal(t, TypeHeartbeat, be.next(t).Type)
	require.Equal(t, 1, m.ConnectionCount())

	m.clock = func() time.Time { return base.Add(31 * time.Second) }
	m.sweep()
	require.Equal(t, 0, m.ConnectionCount())
	be.nextClose(t)
}

func TestSweep_TimeoutDropsSinkStream(t *testing.T) {
	be := newBackend(t)
	out := newSink()
	m := NewManager(Config{URL: be.url(), HeartbeatTimeout: 30 * time.Second}, out, nil)
	defer m.Shutdown()

	base := time.Now()
	m.clock = func() time.Time { return base }
	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)

	m.clock = func() time.Time { return base.Add(31 * time.Second) }
	m.sweep()
	require.Equal(t, "CA1/ST1:heartbeat timeout", out.nextDrop(t))
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url()}, newSink(), nil)
	defer m.Shutdown()

	var mu sync.Mutex
	now := time.Now()
	m.clock = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)

	mu.Lock()
	now = now.Add(25 * time.Second)
	mu.Unlock()
	require.NoError(t, be.conn(0).WriteJSON(Envelope{Type: TypeHeartbeat, CallID: "CA1"}))

	require.Eventually(t, func() bool {
		c := m.get(key{"CA1", "ST1"})
		return c != nil && c.lastBeat.Load() == m.clock().UnixNano()
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	now = now.Add(20 * time.Second)
	mu.Unlock()
	m.sweep()
	require.Equal(t, 1, m.ConnectionCount())
}

func TestBackendCloseRemovesEntry(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url()}, newSink(), nil)
	defer m.Shutdown()

	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)
	_ = be.conn(0).Close()

	require.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackendCloseDropsSinkStream(t *testing.T) {
	be := newBackend(t)
	out := newSink()
	m := NewManager(Config{URL: be.url()}, out, nil)
	defer m.Shutdown()

	require.NoError(t, m.CreateConnection(context.Background(), "CA1", "ST1", "a", ""))
	be.next(t)
	_ = be.conn(0).Close()

	require.Equal(t, "CA1/ST1:read error", out.nextDrop(t))
}

func TestCloseConnection_DoesNotDropSinkStream(t *testing.T) {
	be := newBackend(t)
	out := newSink()
	m := NewManager(Config{URL: be.url()}, out, nil)
	defer m.Shutdown()
	ctx := context.Background()

	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "a", ""))
	be.next(t)
	require.NoError(t, m.CloseConnection(ctx, "CA1", "ST1"))
	be.nextClose(t)

	select {
	case d := <-out.dropped:
		t.Fatalf("unexpected drop %q", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	be := newBackend(t)
	m := NewManager(Config{URL: be.url(), HeartbeatInterval: time.Hour}, newSink(), nil)
	m.Start(context.Background())
	ctx := context.Background()

	require.NoError(t, m.CreateConnection(ctx, "CA1", "ST1", "a", ""))
	require.NoError(t, m.CreateConnection(ctx, "CA2", "ST2", "a", ""))
	m.Shutdown()

	require.Equal(t, 0, m.ConnectionCount())
	be.nextClose(t)
	be.nextClose(t)
}

func TestCreateConnection_DialFailureIsTransient(t *testing.T) {
	m := NewManager(Config{URL: "ws://127.0.0.1:1/nothing"}, newSink(), nil)
	err := m.CreateConnection(context.Background(), "CA1", "ST1", "a", "")
	require.Error(t, err)
	require.Equal(t, 0, m.ConnectionCount())
}

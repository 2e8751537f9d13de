package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazydw4rf/smart-aquarium/internal/bridge"
	"github.com/crazydw4rf/smart-aquarium/internal/broadcast"
	"github.com/crazydw4rf/smart-aquarium/internal/config"
	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	"github.com/crazydw4rf/smart-aquarium/internal/state"
	"github.com/crazydw4rf/smart-aquarium/internal/upstream"
)

// --- Mock implementations ---

// stubLink is an upstream link with a fixed connection state that records
// every command it is asked to forward.
type stubLink struct {
	mu        sync.Mutex
	connState upstream.ConnState
	deltas    chan domain.StateDelta
	sent      []domain.UpstreamCommand
}

func newStubLink(connState upstream.ConnState) *stubLink {
	return &stubLink{connState: connState, deltas: make(chan domain.StateDelta, 16)}
}

func (l *stubLink) Start(context.Context) error      { return nil }
func (l *stubLink) Stop()                            {}
func (l *stubLink) Deltas() <-chan domain.StateDelta { return l.deltas }
func (l *stubLink) Heartbeat(context.Context) error  { return nil }
func (l *stubLink) State() upstream.ConnState        { return l.connState }

func (l *stubLink) Send(_ context.Context, cmd domain.UpstreamCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, cmd)
	return nil
}

func (l *stubLink) sentCommands() []domain.UpstreamCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.UpstreamCommand(nil), l.sent...)
}

// newTestServer wires a Server to an in-memory bridge with the given link.
// The bridge telemetry loop and the session registry are torn down with the
// test.
func newTestServer(t *testing.T, link upstream.Link) *Server {
	t.Helper()

	cfg := &config.Config{Port: "0", MaxSessions: 16}
	clock := clockwork.NewRealClock()

	registry := broadcast.NewRegistry(cfg.MaxSessions, clock)
	cache := state.NewCache(clock)
	b := bridge.New(link, cache, registry)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-b.Done()
		registry.Stop()
	})

	return NewServer(cfg, b, link, clock)
}

func dialWebSocket(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/aqua"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) domain.ServerMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestWebSocketSendsInitOnConnect(t *testing.T) {
	srv := newTestServer(t, newStubLink(upstream.StateConnected))
	conn := dialWebSocket(t, srv)

	msg := readServerMessage(t, conn)
	assert.Equal(t, domain.MessageInit, msg.Type)
	require.NotNil(t, msg.Data)
	assert.Nil(t, msg.Data.Temp)
	assert.Nil(t, msg.Data.Level)
}

func TestWebSocketBroadcastsTelemetryUpdates(t *testing.T) {
	link := newStubLink(upstream.StateConnected)
	srv := newTestServer(t, link)
	conn := dialWebSocket(t, srv)

	// Consume the init message first.
	init := readServerMessage(t, conn)
	require.Equal(t, domain.MessageInit, init.Type)

	temp := 25.5
	link.deltas <- domain.StateDelta{Temperature: &temp}

	update := readServerMessage(t, conn)
	assert.Equal(t, domain.MessageUpdate, update.Type)
	require.NotNil(t, update.Data)
	require.NotNil(t, update.Data.Temp)
	assert.Equal(t, 25.5, *update.Data.Temp)
}

func TestWebSocketForwardsControlCommands(t *testing.T) {
	link := newStubLink(upstream.StateConnected)
	srv := newTestServer(t, link)
	conn := dialWebSocket(t, srv)

	init := readServerMessage(t, conn)
	require.Equal(t, domain.MessageInit, init.Type)

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"control","control":"lamp","state":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(link.sentCommands()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cmd := link.sentCommands()[0]
	assert.Equal(t, domain.UpstreamLED, cmd.Device)
	assert.True(t, cmd.On)
}

func TestWebSocketDropsMalformedMessages(t *testing.T) {
	link := newStubLink(upstream.StateConnected)
	srv := newTestServer(t, link)
	conn := dialWebSocket(t, srv)

	init := readServerMessage(t, conn)
	require.Equal(t, domain.MessageInit, init.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"control","control":"heater","state":1}`)))

	// Neither message reaches the upstream, and the connection stays open:
	// a telemetry update still arrives afterwards.
	level := 80.0
	link.deltas <- domain.StateDelta{WaterLevel: &level}

	update := readServerMessage(t, conn)
	assert.Equal(t, domain.MessageUpdate, update.Type)
	assert.Empty(t, link.sentCommands())
}

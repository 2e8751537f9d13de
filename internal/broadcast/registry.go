package broadcast

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crazydw4rf/smart-aquarium/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// Session is one connected dashboard's live channel to the bridge. Its ID is
// opaque and unique for the connection's lifetime; membership lives only in
// the Registry.
type Session struct {
	ID   uuid.UUID
	Conn *websocket.Conn
}

// NewSession wraps an upgraded connection with a fresh session identity.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{ID: uuid.New(), Conn: conn}
}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	session      *Session
	errorChannel chan error
}

type unregisterCmd struct {
	baseRegistryCmd
	session *Session
}

type broadcastCmd struct {
	baseRegistryCmd
	data []byte
}

type sendCmd struct {
	baseRegistryCmd
	session *Session
	data    []byte
}

type sessionCountCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry tracks live dashboard sessions and fans messages out to all of
// them. A single goroutine owns the membership map; all access goes through
// the command channel.
type Registry struct {
	cmdCh       chan registryCmd
	clock       clockwork.Clock
	sessions    map[*Session]*clientWriter
	maxSessions int
	done        chan struct{}
}

// NewRegistry creates a registry and starts its actor goroutine.
// maxSessions bounds concurrent connections (prevents resource exhaustion).
func NewRegistry(maxSessions int, clock clockwork.Clock) *Registry {
	r := &Registry{
		cmdCh:       make(chan registryCmd, 256),
		clock:       clock,
		sessions:    make(map[*Session]*clientWriter),
		maxSessions: maxSessions,
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

// Register adds a session. Returns an error only when the session limit is
// reached, in which case the connection is closed.
func (r *Registry) Register(session *Session) error {
	errCh := make(chan error, 1)
	r.cmdCh <- registerCmd{session: session, errorChannel: errCh}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a session. Removing an absent session is a no-op.
func (r *Registry) Unregister(session *Session) {
	r.cmdCh <- unregisterCmd{session: session}
}

// Broadcast queues a message for every currently registered session. Slow
// and dead sessions are unregistered as a side effect; delivery to the
// remaining sessions is never aborted.
func (r *Registry) Broadcast(data []byte) {
	r.cmdCh <- broadcastCmd{data: data}
}

// Send queues a message for a single session only.
func (r *Registry) Send(session *Session, data []byte) {
	r.cmdCh <- sendCmd{session: session, data: data}
}

// SessionCount returns the number of registered sessions, or -1 on timeout.
func (r *Registry) SessionCount() int {
	replyCh := make(chan int, 1)
	r.cmdCh <- sessionCountCmd{replyChannel: replyCh}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("SessionCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes all sessions and shuts the actor down. Blocks until the
// goroutine has exited or the stop timeout is reached.
func (r *Registry) Stop() {
	r.cmdCh <- stopCmd{}

	timer := r.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
		slog.Info("Registry stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Registry stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (r *Registry) run() {
	defer close(r.done)

	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			r.handleRegister(c)
		case unregisterCmd:
			r.handleUnregister(c.session)
		case broadcastCmd:
			r.handleBroadcast(c.data)
		case sendCmd:
			r.handleSend(c)
		case sessionCountCmd:
			c.replyChannel <- len(r.sessions)
		case stopCmd:
			r.handleStop()
			return
		default:
			slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Registry) handleRegister(c registerCmd) {
	if len(r.sessions) >= r.maxSessions {
		slog.Warn("Rejecting session: max sessions reached", "max_sessions", r.maxSessions)
		c.session.Conn.Close()
		c.errorChannel <- fmt.Errorf("max sessions (%d) reached", r.maxSessions)
		return
	}

	r.sessions[c.session] = newClientWriter(c.session.Conn, r.clock)
	metrics.ConnectedSessions.Set(float64(len(r.sessions)))

	slog.Debug("Session registered", "session_id", c.session.ID.String(), "total_sessions", len(r.sessions))
	c.errorChannel <- nil
}

func (r *Registry) handleUnregister(session *Session) {
	cw, exists := r.sessions[session]
	if !exists {
		return
	}

	cw.stop()
	delete(r.sessions, session)
	metrics.ConnectedSessions.Set(float64(len(r.sessions)))

	slog.Debug("Session unregistered", "session_id", session.ID.String(), "remaining_sessions", len(r.sessions))
}

func (r *Registry) handleBroadcast(data []byte) {
	var evict []*Session
	for session, writer := range r.sessions {
		if writer.dead() {
			evict = append(evict, session)
			continue
		}
		if !writer.trySend(data) {
			slog.Warn("Evicting slow session", "session_id", session.ID.String())
			metrics.SlowSessionsEvicted.Inc()
			evict = append(evict, session)
		}
	}

	for _, session := range evict {
		r.handleUnregister(session)
	}

	metrics.BroadcastsTotal.Inc()
}

func (r *Registry) handleSend(c sendCmd) {
	writer, exists := r.sessions[c.session]
	if !exists {
		return
	}
	if writer.dead() || !writer.trySend(c.data) {
		r.handleUnregister(c.session)
	}
}

func (r *Registry) handleStop() {
	slog.Info("Registry shutting down", "sessions", len(r.sessions))

	for session, cw := range r.sessions {
		cw.stopGraceful("Server shutting down")
		delete(r.sessions, session)
	}
	metrics.ConnectedSessions.Set(0)
}

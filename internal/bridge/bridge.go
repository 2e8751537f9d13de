// Package bridge wires the upstream link, the state cache and the session
// registry together, and enforces the command validation contract at the
// session boundary.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/crazydw4rf/smart-aquarium/internal/broadcast"
	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	apperrors "github.com/crazydw4rf/smart-aquarium/internal/errors"
	"github.com/crazydw4rf/smart-aquarium/internal/metrics"
	"github.com/crazydw4rf/smart-aquarium/internal/state"
	"github.com/crazydw4rf/smart-aquarium/internal/upstream"
)

// Fanout is the slice of the session registry the bridge needs.
type Fanout interface {
	Register(session *broadcast.Session) error
	Unregister(session *broadcast.Session)
	Broadcast(data []byte)
	Send(session *broadcast.Session, data []byte)
}

// Bridge relays telemetry from the upstream to every live session and
// forwards validated dashboard commands upstream. One Bridge exists per
// process, constructed at startup and torn down on shutdown.
type Bridge struct {
	link   upstream.Link
	cache  *state.Cache
	fanout Fanout
	done   chan struct{}
}

// New creates a Bridge. The telemetry loop starts with Run.
func New(link upstream.Link, cache *state.Cache, fanout Fanout) *Bridge {
	return &Bridge{
		link:   link,
		cache:  cache,
		fanout: fanout,
		done:   make(chan struct{}),
	}
}

// Run consumes the upstream delta channel until the context is cancelled:
// each delta is applied to the cache, then the resulting snapshot is fanned
// out to every session. Deltas are applied in arrival order (single writer).
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case delta, ok := <-b.link.Deltas():
			if !ok {
				return
			}
			b.cache.Apply(delta)
			data, err := domain.EncodeSnapshot(domain.MessageUpdate, b.cache.Snapshot())
			if err != nil {
				slog.Error("Failed to encode state update", "error", err)
				continue
			}
			b.fanout.Broadcast(data)
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed when the telemetry loop has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// OnConnect registers a new session and sends it an init snapshot of the
// freshest known state. The init message goes to that session only.
func (b *Bridge) OnConnect(session *broadcast.Session) error {
	if err := b.fanout.Register(session); err != nil {
		return err
	}

	data, err := domain.EncodeSnapshot(domain.MessageInit, b.cache.Snapshot())
	if err != nil {
		return err
	}
	b.fanout.Send(session, data)
	return nil
}

// OnDisconnect removes the session from the registry. Idempotent.
func (b *Bridge) OnDisconnect(session *broadcast.Session) {
	b.fanout.Unregister(session)
}

// OnMessage handles one raw inbound message from a session. Malformed and
// invalid messages are dropped with a warning and never reach the upstream;
// command failures are answered to the issuing session only.
func (b *Bridge) OnMessage(ctx context.Context, session *broadcast.Session, raw []byte) {
	var msg domain.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.ClientCommandsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Dropping malformed session message", "session_id", session.ID.String(), "error", err)
		return
	}

	switch msg.Action {
	case domain.ActionHeartbeat:
		if err := b.link.Heartbeat(ctx); err != nil {
			slog.Warn("Heartbeat forward failed", "error", err)
		}
	case domain.ActionControl:
		b.handleControl(ctx, session, msg)
	default:
		metrics.ClientCommandsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Dropping message with unknown action", "session_id", session.ID.String(), "action", msg.Action)
	}
}

func (b *Bridge) handleControl(ctx context.Context, session *broadcast.Session, msg domain.ClientMessage) {
	cmd, err := validateControl(msg)
	if err != nil {
		metrics.ClientCommandsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Rejecting invalid control command",
			"session_id", session.ID.String(), "control", msg.Control, "error", err)
		return
	}

	metrics.ClientCommandsTotal.WithLabelValues("accepted").Inc()

	// The lamp/led vocabulary mapping happens here, at the UI-to-domain
	// boundary, not in the transport.
	if err := b.link.Send(ctx, cmd.ToUpstream()); err != nil {
		reason := domain.ErrorCommandFailed
		if apperrors.IsRateLimited(err) {
			reason = domain.ErrorRateLimited
		}
		slog.Warn("Upstream command failed",
			"session_id", session.ID.String(), "device", string(cmd.Device), "error", err)

		if reply, encErr := domain.EncodeError(reason); encErr == nil {
			b.fanout.Send(session, reply)
		}
	}
}

// validateControl checks the command shape: the device must be one of the
// two known actuators and the state must be present.
func validateControl(msg domain.ClientMessage) (domain.ControlCommand, error) {
	device := domain.Actuator(msg.Control)
	if !device.Valid() {
		return domain.ControlCommand{}, apperrors.ValidationError("unknown device " + msg.Control)
	}
	if msg.State == nil {
		return domain.ControlCommand{}, apperrors.ValidationError("missing state")
	}
	if *msg.State != 0 && *msg.State != 1 {
		return domain.ControlCommand{}, apperrors.ValidationError("state must be 0 or 1")
	}
	return domain.ControlCommand{Device: device, On: *msg.State == 1}, nil
}

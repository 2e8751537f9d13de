// Package upstream maintains the single connection to the external system
// of record (MQTT broker or ThingSpeak channel) and translates between its
// wire format and the canonical device state model.
package upstream

import (
	"context"

	"github.com/anggasct/fluo"
	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	"github.com/crazydw4rf/smart-aquarium/internal/metrics"
)

// ConnState is the lifecycle state of the upstream connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Connection lifecycle events.
const (
	eventConnect   = "connect"
	eventConnected = "connected"
	eventLost      = "connection_lost"
	eventStopped   = "stopped"
)

// Link is the single upstream connection. At most one live connection
// exists per Link; Start while already connecting or connected is a no-op,
// and Stop cancels any in-flight connect attempt and pending retry.
type Link interface {
	// Start begins connecting. Idempotent.
	Start(ctx context.Context) error
	// Stop closes the connection. Safe to call multiple times.
	Stop()
	// Deltas returns the channel of normalized telemetry updates. Malformed
	// inbound messages are dropped and logged, never surfaced here.
	Deltas() <-chan domain.StateDelta
	// Send forwards a control command upstream. For the broker transport it
	// is fire-and-forget; for the poll transport the returned error reflects
	// the upstream response, with rate-limited as a distinct typed outcome.
	Send(ctx context.Context, cmd domain.UpstreamCommand) error
	// Heartbeat signals liveness upstream, or triggers an on-demand poll for
	// poll-based transports.
	Heartbeat(ctx context.Context) error
	// State reports the current connection state.
	State() ConnState
}

// newConnMachine builds the Disconnected -> Connecting -> Connected state
// machine shared by both transports. Transitions not declared here (for
// example a second "connect" while already connecting) are rejected by the
// machine, which is what makes Start idempotent and reconnect attempts
// serialized.
func newConnMachine() fluo.Machine {
	definition := fluo.NewMachine().
		State(string(StateDisconnected)).Initial().
		To(string(StateConnecting)).On(eventConnect).
		State(string(StateConnecting)).
		To(string(StateConnected)).On(eventConnected).
		To(string(StateDisconnected)).On(eventLost).
		To(string(StateDisconnected)).On(eventStopped).
		State(string(StateConnected)).
		To(string(StateDisconnected)).On(eventLost).
		To(string(StateDisconnected)).On(eventStopped).
		Build()

	machine := definition.CreateInstance()
	_ = machine.Start()
	return machine
}

// transition feeds a lifecycle event into the machine and mirrors the
// resulting state into the connection gauge.
func transition(machine fluo.Machine, event string) {
	machine.SendEvent(event, nil)
	metrics.UpstreamConnectionState.Set(connStateValue(ConnState(machine.CurrentState())))
}

func connStateValue(s ConnState) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	default:
		return 0
	}
}

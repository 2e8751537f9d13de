package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anggasct/fluo"
	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	apperrors "github.com/crazydw4rf/smart-aquarium/internal/errors"
	"github.com/crazydw4rf/smart-aquarium/internal/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
)

const (
	mqttKeepAlive      = 60 * time.Second
	mqttPingTimeout    = 10 * time.Second
	mqttConnectTimeout = 10 * time.Second
	deltaBufferSize    = 64
	disconnectQuiesce  = 250 // milliseconds granted to in-flight work on Disconnect
)

// MQTTConfig carries the broker connection settings and topic layout.
type MQTTConfig struct {
	BrokerURL         string
	Username          string
	Password          string
	CommandTopic      string // bridge publishes control/heartbeat here
	SensorTopic       string // device publishes sensor telemetry here
	ControlTopic      string // device publishes retained actuator status here
	ReconnectInterval time.Duration
}

// MQTTLink is the broker-based upstream. The device publishes structured
// JSON telemetry on the sensor and control topics; the bridge publishes
// control JSON on the command topic. Sends are fire-and-forget: the broker
// gives no delivery confirmation and the link reports a command as accepted
// once it is handed to the client.
type MQTTLink struct {
	cfg    MQTTConfig
	clock  clockwork.Clock
	client mqtt.Client
	deltas chan domain.StateDelta

	mu      sync.Mutex
	machine fluo.Machine
	stopped bool
}

// NewMQTTLink creates an MQTT upstream link. Connection is deferred to Start.
func NewMQTTLink(cfg MQTTConfig, clock clockwork.Clock) *MQTTLink {
	return &MQTTLink{
		cfg:     cfg,
		clock:   clock,
		deltas:  make(chan domain.StateDelta, deltaBufferSize),
		machine: newConnMachine(),
	}
}

// Start begins connecting to the broker. Reconnection after a lost
// connection happens on a fixed interval with a single retry timer, both
// delegated to the MQTT client; calling Start while connecting or connected
// is a no-op.
func (l *MQTTLink) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return apperrors.TransportError("link already stopped", nil)
	}
	if ConnState(l.machine.CurrentState()) != StateDisconnected {
		return nil
	}
	transition(l.machine, eventConnect)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("aquarium-bridge-%d", l.clock.Now().Unix()))
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}

	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetPingTimeout(mqttPingTimeout)
	opts.SetConnectTimeout(mqttConnectTimeout)

	// Fixed-interval retries, both for the initial connect and after a lost
	// connection. Setting retry and max reconnect interval to the same value
	// disables backoff growth.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(l.cfg.ReconnectInterval)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(l.cfg.ReconnectInterval)

	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)
	opts.SetReconnectingHandler(l.onReconnecting)

	l.client = mqtt.NewClient(opts)

	slog.Info("Connecting to MQTT broker", "broker", l.cfg.BrokerURL)
	l.client.Connect() // retries in the background; onConnect completes the transition
	return nil
}

// Stop disconnects from the broker, cancelling any in-flight connect
// attempt and pending retry. Safe to call multiple times.
func (l *MQTTLink) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	transition(l.machine, eventStopped)

	if l.client != nil {
		l.client.Disconnect(disconnectQuiesce)
	}
	slog.Info("MQTT link stopped")
}

// Deltas returns the normalized telemetry channel.
func (l *MQTTLink) Deltas() <-chan domain.StateDelta {
	return l.deltas
}

// State reports the current connection state.
func (l *MQTTLink) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ConnState(l.machine.CurrentState())
}

// Send publishes a control command on the command topic. Fire-and-forget:
// the command is accepted for send immediately and publish failures are
// only logged.
func (l *MQTTLink) Send(_ context.Context, cmd domain.UpstreamCommand) error {
	payload, err := json.Marshal(map[string]string{
		"type":   "control",
		"device": string(cmd.Device),
		"state":  domain.OnOff(cmd.On),
	})
	if err != nil {
		return apperrors.ParseError("encode control command", err)
	}
	l.publish(payload)
	metrics.UpstreamCommandsTotal.WithLabelValues("sent").Inc()
	return nil
}

// Heartbeat publishes a heartbeat message on the command topic.
func (l *MQTTLink) Heartbeat(_ context.Context) error {
	payload, err := json.Marshal(map[string]string{"type": "heartbeat"})
	if err != nil {
		return apperrors.ParseError("encode heartbeat", err)
	}
	l.publish(payload)
	return nil
}

func (l *MQTTLink) publish(payload []byte) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()

	if client == nil {
		slog.Warn("Dropping publish: link not started", "topic", l.cfg.CommandTopic)
		return
	}

	token := client.Publish(l.cfg.CommandTopic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			slog.Warn("MQTT publish failed", "topic", l.cfg.CommandTopic, "error", token.Error())
		}
	}()
}

func (l *MQTTLink) onConnect(client mqtt.Client) {
	l.mu.Lock()
	transition(l.machine, eventConnected)
	l.mu.Unlock()

	slog.Info("Connected to MQTT broker", "sensor_topic", l.cfg.SensorTopic, "control_topic", l.cfg.ControlTopic)

	topics := map[string]byte{l.cfg.SensorTopic: 0, l.cfg.ControlTopic: 0}
	token := client.SubscribeMultiple(topics, l.onMessage)
	if token.Wait() && token.Error() != nil {
		slog.Error("MQTT subscribe failed", "error", token.Error())
	}
}

func (l *MQTTLink) onConnectionLost(_ mqtt.Client, err error) {
	l.mu.Lock()
	transition(l.machine, eventLost)
	stopped := l.stopped
	l.mu.Unlock()

	metrics.UpstreamReconnectsTotal.Inc()
	if !stopped {
		slog.Warn("MQTT connection lost, reconnecting", "error", err, "interval", l.cfg.ReconnectInterval)
	}
}

func (l *MQTTLink) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	l.mu.Lock()
	transition(l.machine, eventConnect)
	l.mu.Unlock()
}

func (l *MQTTLink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	delta, err := parseTelemetry(msg.Payload(), l.clock.Now())
	if err != nil {
		metrics.UpstreamTelemetryTotal.WithLabelValues("dropped").Inc()
		slog.Warn("Dropping malformed telemetry", "topic", msg.Topic(), "error", err)
		return
	}
	if delta.Empty() {
		return
	}

	select {
	case l.deltas <- delta:
		metrics.UpstreamTelemetryTotal.WithLabelValues("applied").Inc()
	default:
		metrics.UpstreamTelemetryTotal.WithLabelValues("dropped").Inc()
		slog.Warn("Dropping telemetry: delta channel full")
	}
}

// telemetryPayload covers both device publications: sensor readings
// ({"type":"sensor","temp":…,"level":…}, optionally carrying actuator
// fields) and the retained actuator status
// ({"type":"control_status","led":"on","pump":"off"}).
type telemetryPayload struct {
	Type  string   `json:"type"`
	Temp  *float64 `json:"temp"`
	Level *float64 `json:"level"`
	Led   *string  `json:"led"`
	Pump  *string  `json:"pump"`
}

// parseTelemetry normalizes a raw inbound message into a StateDelta. The
// device reports uptime millis as its timestamp, so observation time is the
// bridge's receipt time.
func parseTelemetry(raw []byte, receivedAt time.Time) (domain.StateDelta, error) {
	var payload telemetryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.StateDelta{}, apperrors.ParseError("decode telemetry", err)
	}

	delta := domain.StateDelta{Timestamp: receivedAt}
	switch payload.Type {
	case "sensor":
		delta.Temperature = payload.Temp
		delta.WaterLevel = payload.Level
		delta.LampOn = parseOnOff(payload.Led)
		delta.PumpOn = parseOnOff(payload.Pump)
	case "control_status":
		delta.LampOn = parseOnOff(payload.Led)
		delta.PumpOn = parseOnOff(payload.Pump)
	default:
		return domain.StateDelta{}, apperrors.ParseError(fmt.Sprintf("unknown telemetry type %q", payload.Type), nil)
	}
	return delta, nil
}

// parseOnOff maps "on"/"off" to a bool; anything else is treated as absent.
func parseOnOff(s *string) *bool {
	if s == nil {
		return nil
	}
	switch *s {
	case "on":
		v := true
		return &v
	case "off":
		v := false
		return &v
	default:
		return nil
	}
}

package domain

import "encoding/json"

// Server->client message types.
const (
	MessageInit   = "init"
	MessageUpdate = "update"
	MessageError  = "error"
)

// Client->server actions.
const (
	ActionHeartbeat = "heartbeat"
	ActionControl   = "control"
)

// Error reasons surfaced to dashboards. No further detail is leaked.
const (
	ErrorRateLimited   = "rate_limited"
	ErrorCommandFailed = "command_failed"
)

// DeviceStateJSON is the wire form of DeviceState used on the session
// channel. Actuator states are rendered as "on"/"off" strings; fields the
// upstream has never reported are omitted.
type DeviceStateJSON struct {
	Temp  *float64 `json:"temp,omitempty"`
	Level *float64 `json:"level,omitempty"`
	Led   *string  `json:"led,omitempty"`
	Pump  *string  `json:"pump,omitempty"`
}

// ServerMessage is sent from the bridge to a dashboard session.
type ServerMessage struct {
	Type  string           `json:"type"`
	Data  *DeviceStateJSON `json:"data,omitempty"`
	Error string           `json:"error,omitempty"`
}

// ClientMessage is received from a dashboard session. State is a pointer so
// a missing field can be told apart from an explicit 0.
type ClientMessage struct {
	Action  string `json:"action"`
	Control string `json:"control,omitempty"`
	State   *int   `json:"state,omitempty"`
}

// StateToJSON converts a snapshot into its wire form.
func StateToJSON(s DeviceState) *DeviceStateJSON {
	out := &DeviceStateJSON{Temp: s.Temperature, Level: s.WaterLevel}
	if s.LampOn != nil {
		led := OnOff(*s.LampOn)
		out.Led = &led
	}
	if s.PumpOn != nil {
		pump := OnOff(*s.PumpOn)
		out.Pump = &pump
	}
	return out
}

// EncodeSnapshot marshals a state snapshot as an init or update message.
func EncodeSnapshot(kind string, s DeviceState) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: kind, Data: StateToJSON(s)})
}

// EncodeError marshals an error reply for a single session.
func EncodeError(reason string) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: MessageError, Error: reason})
}

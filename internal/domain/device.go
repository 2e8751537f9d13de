package domain

import "time"

// Actuator identifies a switchable device in the dashboard vocabulary.
type Actuator string

const (
	ActuatorLamp Actuator = "lamp"
	ActuatorPump Actuator = "pump"
)

// Valid reports whether the actuator is one of the two known devices.
func (a Actuator) Valid() bool {
	return a == ActuatorLamp || a == ActuatorPump
}

// DeviceState is the freshest known snapshot of the aquarium. A nil field
// means the upstream has never reported it; once set, a field is only ever
// replaced by a newer observation, never cleared.
type DeviceState struct {
	Temperature *float64
	WaterLevel  *float64
	LampOn      *bool
	PumpOn      *bool
	ObservedAt  time.Time
}

// StateDelta is a partial state update carrying only the fields the upstream
// reported. Nil fields leave the cached value untouched.
type StateDelta struct {
	Temperature *float64
	WaterLevel  *float64
	LampOn      *bool
	PumpOn      *bool
	Timestamp   time.Time
}

// Empty reports whether the delta carries no fields at all.
func (d StateDelta) Empty() bool {
	return d.Temperature == nil && d.WaterLevel == nil && d.LampOn == nil && d.PumpOn == nil
}

// ControlCommand is a dashboard request to switch an actuator.
type ControlCommand struct {
	Device Actuator
	On     bool
}

// UpstreamDevice identifies an actuator in the upstream vocabulary. The
// dashboard's "lamp" maps to the device firmware's "led"; the bridge applies
// that mapping at the session boundary.
type UpstreamDevice string

const (
	UpstreamLED  UpstreamDevice = "led"
	UpstreamPump UpstreamDevice = "pump"
)

// UpstreamCommand is a control command translated into the upstream
// vocabulary, ready to be published or POSTed.
type UpstreamCommand struct {
	Device UpstreamDevice
	On     bool
}

// ToUpstream translates the dashboard command into the upstream vocabulary.
func (c ControlCommand) ToUpstream() UpstreamCommand {
	device := UpstreamPump
	if c.Device == ActuatorLamp {
		device = UpstreamLED
	}
	return UpstreamCommand{Device: device, On: c.On}
}

// OnOff renders the boolean actuator state as the firmware's "on"/"off".
func OnOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

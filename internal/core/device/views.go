package device

import (
	"context"
	"fmt"
	"strings"
)

// Camera is a view over a devices/cameras entity.
type Camera struct{ view }

func (c Camera) Online() bool      { return boolean(c.attrs(), "is_online") }
func (c Camera) IsStreaming() bool { return boolean(c.attrs(), "is_streaming") }
func (c Camera) SnapshotURL() string {
	return str(c.attrs(), "snapshot_url")
}

// LastEvent returns the last_event record, or nil.
func (c Camera) LastEvent() map[string]any {
	ev, _ := c.attrs()["last_event"].(map[string]any)
	return ev
}

// SetStreaming turns the camera on or off.
func (c Camera) SetStreaming(ctx context.Context, on bool) error {
	return c.set(ctx, map[string]any{"is_streaming": on})
}

// SmokeCOAlarm is a view over a devices/smoke_co_alarms entity. It is
// read-only on the API.
type SmokeCOAlarm struct{ view }

func (s SmokeCOAlarm) Online() bool          { return boolean(s.attrs(), "is_online") }
func (s SmokeCOAlarm) COStatus() string      { return str(s.attrs(), "co_alarm_state") }
func (s SmokeCOAlarm) SmokeStatus() string   { return str(s.attrs(), "smoke_alarm_state") }
func (s SmokeCOAlarm) BatteryHealth() string { return str(s.attrs(), "battery_health") }
func (s SmokeCOAlarm) ColorState() string    { return str(s.attrs(), "ui_color_state") }

// Structure is a view over a structures entity.
type Structure struct{ view }

// Away states.
const (
	AwayHome = "home"
	AwayAway = "away"
)

func (s Structure) Away() string        { return str(s.attrs(), "away") }
func (s Structure) CountryCode() string { return str(s.attrs(), "country_code") }
func (s Structure) PostalCode() string  { return str(s.attrs(), "postal_code") }
func (s Structure) TimeZone() string    { return str(s.attrs(), "time_zone") }

// ThermostatIDs lists the thermostats in this structure.
func (s Structure) ThermostatIDs() []string { return stringList(s.attrs(), "thermostats") }

// CameraIDs lists the cameras in this structure.
func (s Structure) CameraIDs() []string { return stringList(s.attrs(), "cameras") }

// SmokeCOAlarmIDs lists the smoke and CO alarms in this structure.
func (s Structure) SmokeCOAlarmIDs() []string { return stringList(s.attrs(), "smoke_co_alarms") }

// SetAway writes the away state. v may be "home", "away", "on", "off" or a
// bool, where on/true mean away.
func (s Structure) SetAway(ctx context.Context, v any) error {
	mode, err := ParseAway(v)
	if err != nil {
		return err
	}
	return s.set(ctx, map[string]any{"away": mode})
}

// ParseAway normalizes an away value to "home" or "away".
func ParseAway(v any) (string, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return AwayAway, nil
		}
		return AwayHome, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "away", "true":
			return AwayAway, nil
		case "off", "home", "false":
			return AwayHome, nil
		}
	}
	return "", fmt.Errorf("%w: away %v", ErrInvalidValue, v)
}

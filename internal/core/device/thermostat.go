package device

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Target temperature limits accepted by the API for unlocked thermostats.
const (
	MinTemperatureC = 9.0
	MaxTemperatureC = 32.0
	MinTemperatureF = 50.0
	MaxTemperatureF = 90.0
)

// HVAC modes.
const (
	ModeHeat     = "heat"
	ModeCool     = "cool"
	ModeHeatCool = "heat-cool"
	ModeEco      = "eco"
	ModeOff      = "off"
)

var validModes = map[string]bool{
	ModeHeat: true, ModeCool: true, ModeHeatCool: true, ModeEco: true, ModeOff: true,
}

// Thermostat is a view over a devices/thermostats entity.
type Thermostat struct{ view }

// Scale is the temperature scale the device displays, "C" or "F".
func (t Thermostat) Scale() string {
	if strings.EqualFold(str(t.attrs(), "temperature_scale"), "F") {
		return "F"
	}
	return "C"
}

func (t Thermostat) key(base string) string {
	return base + "_" + strings.ToLower(t.Scale())
}

// Temperature is the ambient temperature in the device's scale.
func (t Thermostat) Temperature() (float64, bool) {
	return number(t.attrs(), t.key("ambient_temperature"))
}

// Target is the single setpoint; it is absent in heat-cool mode.
func (t Thermostat) Target() (float64, bool) {
	return number(t.attrs(), t.key("target_temperature"))
}

// TargetRange is the heat-cool setpoint pair.
func (t Thermostat) TargetRange() (low, high float64, ok bool) {
	a := t.attrs()
	low, okLow := number(a, t.key("target_temperature_low"))
	high, okHigh := number(a, t.key("target_temperature_high"))
	return low, high, okLow && okHigh
}

// EcoRange is the eco setpoint pair.
func (t Thermostat) EcoRange() (low, high float64, ok bool) {
	a := t.attrs()
	low, okLow := number(a, t.key("eco_temperature_low"))
	high, okHigh := number(a, t.key("eco_temperature_high"))
	return low, high, okLow && okHigh
}

func (t Thermostat) Mode() string         { return str(t.attrs(), "hvac_mode") }
func (t Thermostat) PreviousMode() string { return str(t.attrs(), "previous_hvac_mode") }
func (t Thermostat) HVACState() string    { return str(t.attrs(), "hvac_state") }
func (t Thermostat) Fan() bool            { return boolean(t.attrs(), "fan_timer_active") }
func (t Thermostat) Online() bool         { return boolean(t.attrs(), "is_online") }
func (t Thermostat) Locked() bool         { return boolean(t.attrs(), "is_locked") }
func (t Thermostat) CanHeat() bool        { return boolean(t.attrs(), "can_heat") }
func (t Thermostat) CanCool() bool        { return boolean(t.attrs(), "can_cool") }
func (t Thermostat) HasFan() bool         { return boolean(t.attrs(), "has_fan") }

func (t Thermostat) Humidity() (float64, bool) { return number(t.attrs(), "humidity") }

// TimeToTarget is the server's estimate, e.g. "~15".
func (t Thermostat) TimeToTarget() string { return str(t.attrs(), "time_to_target") }

// Limits returns the allowed setpoint range: the lock range when the device
// is locked, otherwise the API limits for its scale.
func (t Thermostat) Limits() (lo, hi float64) {
	a := t.attrs()
	if boolean(a, "is_locked") {
		lo, okLo := number(a, t.key("locked_temp_min"))
		hi, okHi := number(a, t.key("locked_temp_max"))
		if okLo && okHi {
			return lo, hi
		}
	}
	if t.Scale() == "F" {
		return MinTemperatureF, MaxTemperatureF
	}
	return MinTemperatureC, MaxTemperatureC
}

// round snaps a setpoint to what the device accepts: half degrees Celsius,
// whole degrees Fahrenheit.
func (t Thermostat) round(v float64) float64 {
	if t.Scale() == "F" {
		return math.Round(v)
	}
	return math.Round(v*2) / 2
}

func (t Thermostat) checkRange(v float64) error {
	lo, hi := t.Limits()
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %g%s not within [%g, %g]", ErrOutOfRange, v, t.Scale(), lo, hi)
	}
	return nil
}

// SetTarget writes the single setpoint in the device's scale.
func (t Thermostat) SetTarget(ctx context.Context, v float64) error {
	if t.Mode() == ModeHeatCool {
		return fmt.Errorf("%w: thermostat %s is in heat-cool mode, set a range", ErrInvalidValue, t.id)
	}
	v = t.round(v)
	if err := t.checkRange(v); err != nil {
		return err
	}
	return t.set(ctx, map[string]any{t.key("target_temperature"): v})
}

// SetTargetRange writes the heat-cool setpoints.
func (t Thermostat) SetTargetRange(ctx context.Context, low, high float64) error {
	low, high = t.round(low), t.round(high)
	if low > high {
		return fmt.Errorf("%w: low %g above high %g", ErrInvalidValue, low, high)
	}
	if err := t.checkRange(low); err != nil {
		return err
	}
	if err := t.checkRange(high); err != nil {
		return err
	}
	return t.set(ctx, map[string]any{
		t.key("target_temperature_low"):  low,
		t.key("target_temperature_high"): high,
	})
}

// SetMode writes hvac_mode.
func (t Thermostat) SetMode(ctx context.Context, mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if !validModes[mode] {
		return fmt.Errorf("%w: hvac mode %q", ErrInvalidValue, mode)
	}
	return t.set(ctx, map[string]any{"hvac_mode": mode})
}

// SetFan starts or stops the fan timer.
func (t Thermostat) SetFan(ctx context.Context, on bool) error {
	return t.set(ctx, map[string]any{"fan_timer_active": on})
}

// ParseFan maps the loose fan values users send ("on", "auto", 1, true) to
// the fan timer state.
func ParseFan(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "1", "true":
			return true, nil
		case "auto", "auto on", "off", "0", "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: fan %v", ErrInvalidValue, v)
}

// ParseTemperature accepts a JSON number or a numeric string.
func ParseTemperature(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: temperature %v", ErrInvalidValue, v)
}

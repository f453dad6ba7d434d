// Package capture reads controller state from a local joystick and turns it
// into telemetry snapshots with the PS5 DualSense naming.
package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/0xcafed00d/joystick"

	"github.com/dreamware/padlink/internal/telemetry"
)

// ErrNoController is returned when no joystick could be opened.
var ErrNoController = errors.New("no controller found")

// Source produces controller snapshots.
type Source interface {
	Sample() (telemetry.Snapshot, error)
	Close() error
}

var buttonNames = []string{
	"cross", "circle", "square", "triangle",
	"share", "ps", "option",
	"l3", "r3", "l1", "r1",
	"dpad_up", "dpad_down", "dpad_left", "dpad_right",
	"touchpad",
}

var axisNames = []string{
	"left_stick_x", "left_stick_y",
	"right_stick_x", "right_stick_y",
	"l2", "r2",
}

// Linux exposes the d-pad hat as a pair of axes after the sticks and triggers.
const (
	hatAxisX = 6
	hatAxisY = 7
)

// ButtonName returns the DualSense name of button i, or button_<i>.
func ButtonName(i int) string {
	if i >= 0 && i < len(buttonNames) {
		return buttonNames[i]
	}
	return fmt.Sprintf("button_%d", i)
}

// AxisName returns the DualSense name of axis i, or axis_<i>.
func AxisName(i int) string {
	if i >= 0 && i < len(axisNames) {
		return axisNames[i]
	}
	return fmt.Sprintf("axis_%d", i)
}

// Map converts raw joystick state to a snapshot. Axis values are scaled to
// [-1, 1]. When the device reports hat axes they become hat_0 with y
// positive for up.
func Map(state joystick.State, axisCount, buttonCount int) telemetry.Snapshot {
	snap := telemetry.NewSnapshot()

	if buttonCount > 32 {
		buttonCount = 32
	}
	for i := 0; i < buttonCount; i++ {
		snap.ButtonStates[ButtonName(i)] = telemetry.ButtonState(state.Buttons&(1<<uint(i)) != 0)
	}

	hasHat := axisCount > hatAxisY && len(state.AxisData) > hatAxisY
	for i := 0; i < axisCount && i < len(state.AxisData); i++ {
		if hasHat && (i == hatAxisX || i == hatAxisY) {
			continue
		}
		snap.AxisValues[AxisName(i)] = normalizeAxis(state.AxisData[i])
	}
	if hasHat {
		snap.HatValues["hat_0"] = telemetry.Hat{sign(state.AxisData[hatAxisX]), -sign(state.AxisData[hatAxisY])}
	}
	return snap
}

func normalizeAxis(v int) float64 {
	f := float64(v) / 32767
	if f > 1 {
		return 1
	}
	if f < -1 {
		return -1
	}
	return f
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Joystick is a Source over a joystick device.
type Joystick struct {
	dev joystick.Joystick
}

// NewJoystick wraps an opened device.
func NewJoystick(dev joystick.Joystick) *Joystick {
	return &Joystick{dev: dev}
}

// FindJoystick opens the first joystick among ids 0..maxID-1.
func FindJoystick(maxID int, logger *slog.Logger) (*Joystick, error) {
	for i := 0; i < maxID; i++ {
		dev, err := joystick.Open(i)
		if err != nil {
			continue
		}
		if logger != nil {
			logger.Info("controller found", "id", i, "name", dev.Name(),
				"axes", dev.AxisCount(), "buttons", dev.ButtonCount())
		}
		return NewJoystick(dev), nil
	}
	return nil, ErrNoController
}

// Name returns the device name.
func (j *Joystick) Name() string { return j.dev.Name() }

func (j *Joystick) Sample() (telemetry.Snapshot, error) {
	state, err := j.dev.Read()
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("reading joystick: %w", err)
	}
	return Map(state, j.dev.AxisCount(), j.dev.ButtonCount()), nil
}

func (j *Joystick) Close() error {
	j.dev.Close()
	return nil
}

// Package restore turns a device snapshot into the ordered commands that
// drive the device back to the captured state.
package restore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

// Hub commands issued by a restore.
const (
	CommandOn                  = "on"
	CommandOff                 = "off"
	CommandSetLevel            = "setLevel"
	CommandSetColorTemperature = "setColorTemperature"
	CommandSetColor            = "setColor"
)

// Color modes reported in the colorMode attribute.
const (
	ColorModeCT  = "CT"
	ColorModeRGB = "RGB"
)

// Class is the device shape a snapshot was recognized as.
type Class int

const (
	ClassNone Class = iota
	ClassSwitch
	ClassDimmer
	ClassColor
)

func (c Class) String() string {
	switch c {
	case ClassSwitch:
		return "switch"
	case ClassDimmer:
		return "dimmer"
	case ClassColor:
		return "color"
	default:
		return "none"
	}
}

// Classify picks the device class by which attributes were captured.
func Classify(s snapshot.Snapshot) Class {
	switch {
	case s.Has(device.AttrColorMode):
		return ClassColor
	case s.Has(device.AttrLevel):
		return ClassDimmer
	case s.Has(device.AttrSwitch):
		return ClassSwitch
	default:
		return ClassNone
	}
}

// ColorArgs is the structured argument of setColor.
type ColorArgs struct {
	Hue        any `json:"hue"`
	Saturation any `json:"saturation"`
	Level      any `json:"level"`
}

// Command is one planned hub command.
type Command struct {
	DeviceID string
	Name     string
	// Args is nil, a positional []any, or ColorArgs.
	Args any
}

// EncodeArgs renders the arguments of the command URL path, unescaped:
// positional values joined by commas, structured ones as JSON.
func (c Command) EncodeArgs() (string, error) {
	switch args := c.Args.(type) {
	case nil:
		return "", nil
	case []any:
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = device.ValueString(a)
		}
		return strings.Join(parts, ","), nil
	default:
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode %s arguments: %w", c.Name, err)
		}
		return string(data), nil
	}
}

func (c Command) String() string {
	args, err := c.EncodeArgs()
	if err != nil || args == "" {
		return c.Name
	}
	return c.Name + "(" + args + ")"
}

// ValidationError reports a snapshot missing a field its device class needs.
type ValidationError struct {
	DeviceID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Reason)
}

// Plan derives the commands that restore a snapshot. Power commands come
// before dependent properties, and a device captured off only gets "off".
// A snapshot matching no device class yields an empty plan.
func Plan(s snapshot.Snapshot) ([]Command, error) {
	id := s.ID
	cmd := func(name string, args any) Command {
		return Command{DeviceID: id, Name: name, Args: args}
	}
	invalid := func(format string, a ...any) error {
		return &ValidationError{DeviceID: id, Reason: fmt.Sprintf(format, a...)}
	}

	switchValue := s.String(device.AttrSwitch)

	switch Classify(s) {
	case ClassSwitch:
		if switchValue == "" {
			return nil, nil
		}
		return []Command{cmd(switchValue, nil)}, nil

	case ClassDimmer:
		if switchValue == CommandOff {
			return []Command{cmd(CommandOff, nil)}, nil
		}
		level, ok := s.Get(device.AttrLevel)
		if !ok {
			return nil, invalid("missing level for setLevel")
		}
		return []Command{
			cmd(CommandOn, nil),
			cmd(CommandSetLevel, []any{level}),
		}, nil

	case ClassColor:
		switch switchValue {
		case CommandOff:
			return []Command{cmd(CommandOff, nil)}, nil
		case CommandOn:
		default:
			return nil, nil
		}

		switch mode := s.String(device.AttrColorMode); mode {
		case ColorModeCT:
			ct, okCT := s.Get(device.AttrColorTemperature)
			level, okLevel := s.Get(device.AttrLevel)
			if !okCT || !okLevel {
				return nil, invalid("missing colorTemperature (%v) or level (%v) for setColorTemperature", ct, level)
			}
			return []Command{cmd(CommandSetColorTemperature, []any{ct, level})}, nil

		case ColorModeRGB:
			hue, okHue := s.Get(device.AttrHue)
			sat, okSat := s.Get(device.AttrSaturation)
			level, okLevel := s.Get(device.AttrLevel)
			if !okHue || !okSat || !okLevel {
				return nil, invalid("missing hue, saturation, or level for setColor")
			}
			return []Command{cmd(CommandSetColor, ColorArgs{Hue: hue, Saturation: sat, Level: level})}, nil

		default:
			return nil, nil
		}
	}

	return nil, nil
}

package restore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

func snap(attrs map[string]any) snapshot.Snapshot {
	return snapshot.Snapshot{ID: "12", Name: "Lamp", Owner: "capture-1", Attributes: attrs}
}

func names(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.String()
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]any
		want  []string
	}{
		{
			name:  "switch on",
			attrs: map[string]any{"switch": "on"},
			want:  []string{"on"},
		},
		{
			name:  "switch custom value verbatim",
			attrs: map[string]any{"switch": "toggle"},
			want:  []string{"toggle"},
		},
		{
			name:  "dimmer on",
			attrs: map[string]any{"switch": "on", "level": float64(70)},
			want:  []string{"on", "setLevel(70)"},
		},
		{
			name:  "dimmer off suppresses level",
			attrs: map[string]any{"switch": "off", "level": float64(70)},
			want:  []string{"off"},
		},
		{
			name:  "dimmer without switch still powers on",
			attrs: map[string]any{"level": float64(30)},
			want:  []string{"on", "setLevel(30)"},
		},
		{
			name:  "color temperature",
			attrs: map[string]any{"switch": "on", "colorMode": "CT", "colorTemperature": float64(2700), "level": float64(50)},
			want:  []string{"setColorTemperature(2700,50)"},
		},
		{
			name:  "rgb",
			attrs: map[string]any{"switch": "on", "colorMode": "RGB", "hue": float64(10), "saturation": float64(90), "level": float64(40)},
			want:  []string{`setColor({"hue":10,"saturation":90,"level":40})`},
		},
		{
			name:  "color off",
			attrs: map[string]any{"switch": "off", "colorMode": "CT"},
			want:  []string{"off"},
		},
		{
			name:  "color with unknown switch value",
			attrs: map[string]any{"colorMode": "RGB", "hue": float64(1)},
			want:  []string{},
		},
		{
			name:  "unknown color mode",
			attrs: map[string]any{"switch": "on", "colorMode": "EFFECTS"},
			want:  []string{},
		},
		{
			name:  "nothing captured",
			attrs: map[string]any{"colorName": "Red"},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := Plan(snap(tt.attrs))
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(cmds))
			for _, c := range cmds {
				assert.Equal(t, "12", c.DeviceID)
			}
		})
	}
}

func TestPlan_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		attrs  map[string]any
		reason string
	}{
		{
			name:   "dimmer with null level",
			attrs:  map[string]any{"switch": "on", "level": nil},
			reason: "missing level for setLevel",
		},
		{
			name:   "color temperature without level",
			attrs:  map[string]any{"switch": "on", "colorMode": "CT", "colorTemperature": float64(2700)},
			reason: "missing colorTemperature (2700) or level (<nil>) for setColorTemperature",
		},
		{
			name:   "rgb without saturation",
			attrs:  map[string]any{"switch": "on", "colorMode": "RGB", "hue": float64(1), "level": float64(2)},
			reason: "missing hue, saturation, or level for setColor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := Plan(snap(tt.attrs))
			assert.Empty(t, cmds)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "12", verr.DeviceID)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestCommand_EncodeArgs(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Name: "on"}, ""},
		{Command{Name: "setLevel", Args: []any{float64(70)}}, "70"},
		{Command{Name: "setColorTemperature", Args: []any{float64(2700), float64(50)}}, "2700,50"},
		{Command{Name: "setColor", Args: ColorArgs{Hue: 1, Saturation: 2, Level: 3}}, `{"hue":1,"saturation":2,"level":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Name, func(t *testing.T) {
			args, err := tt.cmd.EncodeArgs()
			require.NoError(t, err)
			assert.Equal(t, tt.want, args)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSwitch, Classify(snap(map[string]any{"switch": nil})))
	assert.Equal(t, ClassDimmer, Classify(snap(map[string]any{"switch": "on", "level": nil})))
	assert.Equal(t, ClassColor, Classify(snap(map[string]any{"level": 1, "colorMode": "CT"})))
	assert.Equal(t, ClassNone, Classify(snap(nil)))
	assert.Equal(t, "dimmer", ClassDimmer.String())
}

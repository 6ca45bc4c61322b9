package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AttributeShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		attr string
		want any
	}{
		{
			name: "map of scalars",
			raw:  `{"id":"12","name":"Lamp","attributes":{"switch":"on","level":70}}`,
			attr: "level",
			want: float64(70),
		},
		{
			name: "list with currentValue",
			raw:  `{"id":12,"name":"Lamp","attributes":[{"name":"switch","currentValue":"off","dataType":"ENUM"}]}`,
			attr: "switch",
			want: "off",
		},
		{
			name: "map of records with value",
			raw:  `{"id":"3","attributes":{"colorMode":{"value":"CT"}}}`,
			attr: "colorMode",
			want: "CT",
		},
		{
			name: "value wins over currentValue",
			raw:  `{"id":"3","attributes":{"hue":{"value":10,"currentValue":20}}}`,
			attr: "hue",
			want: float64(10),
		},
		{
			name: "null value falls back to currentValue",
			raw:  `{"id":"3","attributes":[{"name":"hue","value":null,"currentValue":20}]}`,
			attr: "hue",
			want: float64(20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse([]byte(tt.raw))
			require.NoError(t, err)

			got, ok := d.Attribute(tt.attr)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Identity(t *testing.T) {
	d, err := Parse([]byte(`{"id":12,"name":"Lamp","label":"Hall Lamp","type":"Dimmer","capabilities":["Switch"]}`))
	require.NoError(t, err)

	assert.Equal(t, "12", d.ID)
	assert.Equal(t, "Hall Lamp", d.DisplayName())
	assert.Equal(t, "Dimmer", d.Fields["type"])
	assert.NotContains(t, d.Fields, "capabilities")
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"id":`))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	_, err = Parse([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestParseList(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		devices, err := ParseList([]byte(`[{"id":"1","name":"a"},{"id":"2","name":"b"}]`))
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "2", devices[1].ID)
	})

	t.Run("object keyed by id", func(t *testing.T) {
		devices, err := ParseList([]byte(`{"7":{"name":"seven"}}`))
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "7", devices[0].ID)
	})
}

func TestDevice_Attribute(t *testing.T) {
	d := &Device{
		ID:         "5",
		Attributes: []Attribute{{Name: "rgb", Value: "#ff0000"}},
		Fields:     map[string]any{"colorName": "Red"},
	}

	v, ok := d.Attribute("RGB")
	assert.True(t, ok, "lower-cased name is checked")
	assert.Equal(t, "#ff0000", v)

	v, ok = d.Attribute("colorName")
	assert.True(t, ok, "top-level field is the fallback")
	assert.Equal(t, "Red", v)

	_, ok = d.Attribute("level")
	assert.False(t, ok)

	var missing *Device
	_, ok = missing.Attribute("switch")
	assert.False(t, ok)
}

func TestLookup(t *testing.T) {
	devices := map[string]*Device{
		"12": {ID: "12", Name: "Lamp", Label: "Hall Lamp"},
		"40": {ID: "40", DeviceID: "abc", Name: "Plug"},
	}

	tests := []struct {
		id     string
		wantID string
		ok     bool
	}{
		{"12", "12", true},
		{"12.0", "12", true},
		{"Hall Lamp", "12", true},
		{"Plug", "40", true},
		{"abc", "40", true},
		{"99", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			d, ok := Lookup(devices, tt.id)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.wantID, d.ID)
			}
		})
	}

	_, ok := Lookup(nil, "12")
	assert.False(t, ok)
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "12", NormalizeID(12))
	assert.Equal(t, "12", NormalizeID(float64(12)))
	assert.Equal(t, "12", NormalizeID("12"))
	assert.Equal(t, "1.5", NormalizeID(1.5))
	assert.Equal(t, "", NormalizeID(nil))
	assert.True(t, SameID(12, "12"))
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "on", ValueString("on"))
	assert.Equal(t, "70", ValueString(float64(70)))
	assert.Equal(t, "true", ValueString(true))
	assert.Equal(t, "", ValueString(nil))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"source":"DEVICE","name":"switch","displayName":"Lamp","value":"on","unit":null,"deviceId":12,"descriptionText":"Lamp was turned on"}`))
	require.NoError(t, err)

	assert.Equal(t, SourceDevice, ev.Source)
	assert.Equal(t, "12", ev.DeviceID)
	assert.Equal(t, "switch", ev.Name)
	assert.Equal(t, "on", ev.Value)
	assert.Equal(t, "", ev.Unit)

	m := ev.Map()
	assert.Equal(t, "12", m["deviceId"])
	assert.Equal(t, "Lamp was turned on", m["descriptionText"])
	assert.NotContains(t, m, "unit")

	_, err = ParseEvent([]byte(`"nope"`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

// Package device holds the canonical device model read from the hub and the
// read-only lookup helpers used by every node.
package device

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Attribute names captured for snapshots.
const (
	AttrSwitch           = "switch"
	AttrLevel            = "level"
	AttrColor            = "color"
	AttrHue              = "hue"
	AttrRGB              = "RGB"
	AttrColorTemperature = "colorTemperature"
	AttrSaturation       = "saturation"
	AttrColorMode        = "colorMode"
	AttrColorName        = "colorName"
)

// SnapshotAttributes is the fixed attribute vocabulary recorded by a capture.
var SnapshotAttributes = []string{
	AttrSwitch, AttrLevel, AttrColor, AttrHue, AttrRGB,
	AttrColorTemperature, AttrSaturation, AttrColorMode, AttrColorName,
}

// Attribute is a single normalized attribute value.
type Attribute struct {
	Name  string
	Value any
}

// Device is a hub device after boundary normalization.
type Device struct {
	ID         string
	DeviceID   string
	Name       string
	Label      string
	Attributes []Attribute
	// Fields holds remaining top-level scalar fields of the hub record.
	Fields map[string]any
}

// DisplayName returns the label, falling back to the name.
func (d *Device) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

// Attribute returns the value of the named attribute. The exact name is tried
// first, then its lower-cased form, then a same-named top-level field.
// A missing attribute is reported with ok == false.
func (d *Device) Attribute(name string) (any, bool) {
	if d == nil {
		return nil, false
	}
	if v, ok := d.attribute(name); ok {
		return v, true
	}
	if lower := strings.ToLower(name); lower != name {
		if v, ok := d.attribute(lower); ok {
			return v, true
		}
	}
	if v, ok := d.Fields[name]; ok {
		return v, true
	}
	return nil, false
}

func (d *Device) attribute(name string) (any, bool) {
	for _, a := range d.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// SetAttribute updates or appends an attribute value.
func (d *Device) SetAttribute(name string, value any) {
	for i := range d.Attributes {
		if d.Attributes[i].Name == name {
			d.Attributes[i].Value = value
			return
		}
	}
	d.Attributes = append(d.Attributes, Attribute{Name: name, Value: value})
}

// Clone returns a deep enough copy for a reader to keep.
func (d *Device) Clone() *Device {
	c := *d
	c.Attributes = append([]Attribute(nil), d.Attributes...)
	if d.Fields != nil {
		c.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// Source is the read side of the hub connection's device cache.
type Source interface {
	// Refresh reloads the cache. Without force it is a no-op once initialized.
	Refresh(ctx context.Context, force bool) error
	// Devices returns the cached devices keyed by device id. Callers must not mutate it.
	Devices() map[string]*Device
}

// Lookup resolves an identifier against the cache: exact key, numeric-coerced
// key, then a scan comparing id, deviceId, name and label. A miss is not an error.
func Lookup(devices map[string]*Device, id string) (*Device, bool) {
	if len(devices) == 0 || id == "" {
		return nil, false
	}
	if d, ok := devices[id]; ok && d != nil {
		return d, true
	}
	if n, ok := numericKey(id); ok && n != id {
		if d, ok := devices[n]; ok && d != nil {
			return d, true
		}
	}

	keys := make([]string, 0, len(devices))
	for k := range devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		d := devices[k]
		if d == nil {
			continue
		}
		if d.ID == id || d.DeviceID == id || d.Name == id || d.Label == id {
			return d, true
		}
	}
	return nil, false
}

func numericKey(id string) (string, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(id), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// NormalizeID coerces a string or numeric identifier to its string form, so
// 12 and "12" refer to the same device.
func NormalizeID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		if id == math.Trunc(id) && math.Abs(id) < 1<<53 {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(v)
	}
}

// SameID reports whether two identifiers refer to the same device.
func SameID(a, b any) bool {
	return NormalizeID(a) == NormalizeID(b)
}

// ValueString renders an attribute value for comparisons against configured
// target values, which are always strings.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, int64:
		return NormalizeID(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(v)
	}
}

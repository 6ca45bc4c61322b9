package device

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a hub payload is not valid JSON.
var ErrInvalidJSON = errors.New("invalid device json")

// Parse normalizes one hub device record. Attributes may arrive as a list of
// {name, value|currentValue} records or as a map keyed by attribute name whose
// entries are scalars or {value|currentValue} records.
func Parse(raw []byte) (*Device, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(raw), "")
}

// ParseList normalizes a list of hub devices. Both a JSON array and an object
// keyed by device id are accepted.
func ParseList(raw []byte) ([]*Device, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}

	root := gjson.ParseBytes(raw)
	if !root.IsArray() && !root.IsObject() {
		return nil, fmt.Errorf("%w: expected array or object, got %s", ErrInvalidJSON, root.Type)
	}

	var (
		devices []*Device
		err     error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		var d *Device
		d, err = fromResult(value, key.String())
		if err != nil {
			return false
		}
		devices = append(devices, d)
		return true
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func fromResult(r gjson.Result, fallbackID string) (*Device, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("%w: device record is %s", ErrInvalidJSON, r.Type)
	}

	d := &Device{
		ID:       NormalizeID(r.Get("id").Value()),
		DeviceID: NormalizeID(r.Get("deviceId").Value()),
		Name:     r.Get("name").String(),
		Label:    r.Get("label").String(),
		Fields:   make(map[string]any),
	}
	if d.ID == "" {
		d.ID = d.DeviceID
	}
	if d.ID == "" {
		d.ID = fallbackID
	}

	attrs := r.Get("attributes")
	switch {
	case attrs.IsArray():
		attrs.ForEach(func(_, a gjson.Result) bool {
			name := a.Get("name").String()
			if name == "" {
				return true
			}
			if _, exists := d.attribute(name); !exists {
				d.Attributes = append(d.Attributes, Attribute{Name: name, Value: attributeValue(a)})
			}
			return true
		})
	case attrs.IsObject():
		attrs.ForEach(func(k, a gjson.Result) bool {
			d.Attributes = append(d.Attributes, Attribute{Name: k.String(), Value: attributeValue(a)})
			return true
		})
	}

	r.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case "id", "deviceId", "name", "label", "attributes":
			return true
		}
		if v.IsObject() || v.IsArray() {
			return true
		}
		d.Fields[k.String()] = v.Value()
		return true
	})

	return d, nil
}

func attributeValue(a gjson.Result) any {
	if !a.IsObject() {
		return a.Value()
	}
	if v := a.Get("value"); v.Exists() && v.Type != gjson.Null {
		return v.Value()
	}
	if v := a.Get("currentValue"); v.Exists() && v.Type != gjson.Null {
		return v.Value()
	}
	if a.Get("value").Exists() || a.Get("currentValue").Exists() {
		return nil
	}
	return a.Value()
}

// Package snapshot records device attributes into the flow store so a later
// restore can drive the devices back to the captured state.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/dokzlo13/hubitatd/internal/device"
)

// KeyPrefix prefixes every snapshot key in the flow store.
const KeyPrefix = "hubitat_device_state_"

// Key returns the flow store key of a device's snapshot.
func Key(deviceID string) string {
	return KeyPrefix + deviceID
}

// Snapshot is the captured state of one device.
//
// Attributes holds only the attributes the device had at capture time. A
// present attribute may still carry a nil value.
type Snapshot struct {
	ID         string
	Name       string
	Owner      string
	Attributes map[string]any
}

// FromDevice captures the snapshot vocabulary of a device.
func FromDevice(d *device.Device, owner string) Snapshot {
	s := Snapshot{
		ID:         d.ID,
		Name:       d.DisplayName(),
		Owner:      owner,
		Attributes: make(map[string]any),
	}
	for _, name := range device.SnapshotAttributes {
		if v, ok := d.Attribute(name); ok {
			s.Attributes[name] = v
		}
	}
	return s
}

// Has reports whether the attribute was captured, even with a nil value.
func (s Snapshot) Has(name string) bool {
	_, ok := s.Attributes[name]
	return ok
}

// Get returns a captured value; ok is false when absent or nil.
func (s Snapshot) Get(name string) (any, bool) {
	v, ok := s.Attributes[name]
	return v, ok && v != nil
}

// String returns a captured value rendered as a string, or "" when absent.
func (s Snapshot) String(name string) string {
	v, _ := s.Get(name)
	return device.ValueString(v)
}

// Map renders the flat record stored in the flow store and shown to downstream nodes.
func (s Snapshot) Map() map[string]any {
	m := make(map[string]any, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		m[k] = v
	}
	m["id"] = s.ID
	m["name"] = s.Name
	m["owner"] = s.Owner
	return m
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = fromMap(m)
	return nil
}

// Decode converts a value read back from the flow store.
func Decode(v any) (Snapshot, error) {
	switch rec := v.(type) {
	case Snapshot:
		return rec, nil
	case *Snapshot:
		return *rec, nil
	case map[string]any:
		return fromMap(rec), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: unsupported value %T: %w", v, err)
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: value %T is not a record: %w", v, err)
		}
		return s, nil
	}
}

func fromMap(m map[string]any) Snapshot {
	s := Snapshot{
		ID:         device.NormalizeID(m["id"]),
		Owner:      device.NormalizeID(m["owner"]),
		Attributes: make(map[string]any),
	}
	if name, ok := m["name"].(string); ok {
		s.Name = name
	}
	for _, name := range device.SnapshotAttributes {
		if v, ok := m[name]; ok {
			s.Attributes[name] = v
		}
	}
	return s
}

package device

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Event sources reported by the hub.
const (
	SourceDevice = "DEVICE"
	SourceHub    = "HUB"
)

// Event is an attribute change (or hub lifecycle notice) from the hub's event socket.
type Event struct {
	Source      string
	DeviceID    string
	Name        string
	Value       any
	DisplayName string
	Unit        string
	Type        string
	Description string
}

// ParseEvent normalizes one event socket message.
func ParseEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, ErrInvalidJSON
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return Event{}, fmt.Errorf("%w: event is %s", ErrInvalidJSON, r.Type)
	}

	ev := Event{
		Source:      r.Get("source").String(),
		DeviceID:    NormalizeID(r.Get("deviceId").Value()),
		Name:        r.Get("name").String(),
		Value:       r.Get("value").Value(),
		DisplayName: r.Get("displayName").String(),
		Unit:        r.Get("unit").String(),
		Type:        r.Get("type").String(),
		Description: r.Get("descriptionText").String(),
	}
	if ev.DeviceID == "" {
		ev.DeviceID = NormalizeID(r.Get("id").Value())
	}
	return ev, nil
}

// Map renders the event as a message payload.
func (e Event) Map() map[string]any {
	m := map[string]any{
		"deviceId": e.DeviceID,
		"name":     e.Name,
		"value":    e.Value,
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.DisplayName != "" {
		m["displayName"] = e.DisplayName
	}
	if e.Unit != "" {
		m["unit"] = e.Unit
	}
	if e.Type != "" {
		m["type"] = e.Type
	}
	if e.Description != "" {
		m["descriptionText"] = e.Description
	}
	return m
}

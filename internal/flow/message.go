// Package flow hosts flow nodes: it delivers messages along wires, keeps
// each node's status and gives nodes the flow-scoped store.
package flow

import "github.com/tidwall/gjson"

// Message is a flow message. The payload lives under "payload".
type Message map[string]any

// NewMessage creates a message carrying payload.
func NewMessage(payload any) Message {
	return Message{"payload": payload}
}

// DecodeMessage turns raw input into a message. A JSON object is taken as the
// whole message; any other JSON value or plain text becomes the payload.
func DecodeMessage(data []byte) Message {
	if len(data) == 0 {
		return Message{}
	}
	if !gjson.ValidBytes(data) {
		return NewMessage(string(data))
	}
	v := gjson.ParseBytes(data).Value()
	if m, ok := v.(map[string]any); ok {
		return Message(m)
	}
	return NewMessage(v)
}

// Payload returns msg.payload.
func (m Message) Payload() any {
	return m["payload"]
}

// Clone copies the message so a receiver can modify it freely. Nested maps
// and slices are copied too.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return cloneValue(map[string]any(m)).(map[string]any)
}

// With returns a copy of the message with fields merged in.
func (m Message) With(fields map[string]any) Message {
	out := m.Clone()
	if out == nil {
		out = Message{}
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Message:
		return Message(cloneValue(map[string]any(val)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Status is the indicator a node shows next to itself.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

const (
	FillGreen  = "green"
	FillGrey   = "grey"
	FillRed    = "red"
	FillYellow = "yellow"
	FillBlue   = "blue"

	ShapeDot  = "dot"
	ShapeRing = "ring"
)

// Error is the red ring status.
func Error(text string) Status {
	return Status{Fill: FillRed, Shape: ShapeRing, Text: text}
}

// Active is the green dot status.
func Active(text string) Status {
	return Status{Fill: FillGreen, Shape: ShapeDot, Text: text}
}

// Idle is the grey ring status.
func Idle(text string) Status {
	return Status{Fill: FillGrey, Shape: ShapeRing, Text: text}
}

// Package logic evaluates ALL/ANY predicates over the last-known attribute
// values of a device set and tracks edge transitions of the result.
package logic

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dokzlo13/hubitatd/internal/device"
)

// Mode selects the aggregation predicate.
type Mode string

const (
	ModeAll Mode = "all"
	ModeAny Mode = "any"
)

// ParseMode parses a configured mode, defaulting to all.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeAny:
		return ModeAny, nil
	default:
		return "", fmt.Errorf("unknown logic mode %q", s)
	}
}

// Lock states that are matched as distinct exact values.
const (
	LockUnlockedWithTimeout = "unlocked with timeout"
	LockUnknown             = "unknown"
)

// DeviceTypeAttributes maps a configured device type to the attribute it watches.
var DeviceTypeAttributes = map[string]string{
	"switch":   "switch",
	"motion":   "motion",
	"lock":     "lock",
	"contact":  "contact",
	"presence": "presence",
}

// Matches reports whether a device value equals the target. Lock states such
// as "unlocked with timeout" and "unknown" only match themselves.
func Matches(target string, value any) bool {
	if value == nil {
		return false
	}
	return device.ValueString(value) == target
}

// Config describes one aggregation.
type Config struct {
	Devices   []string
	Attribute string
	Target    string
	Mode      Mode
}

// Contains reports whether the device is part of the configured set.
func (c Config) Contains(deviceID string) bool {
	for _, id := range c.Devices {
		if device.SameID(id, deviceID) {
			return true
		}
	}
	return false
}

// Evaluate applies the predicate to a value lookup. An empty device set is false.
func Evaluate(cfg Config, value func(deviceID string) (any, bool)) bool {
	if len(cfg.Devices) == 0 {
		return false
	}

	switch cfg.Mode {
	case ModeAny:
		for _, id := range cfg.Devices {
			if v, ok := value(id); ok && Matches(cfg.Target, v) {
				return true
			}
		}
		return false
	default:
		for _, id := range cfg.Devices {
			v, ok := value(id)
			if !ok || !Matches(cfg.Target, v) {
				return false
			}
		}
		return true
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	State    bool
	Flipped  bool
	LastFlip time.Time
}

// Engine holds the aggregation state of one node. Safe for concurrent use.
type Engine struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	values   map[string]any
	state    *bool
	lastFlip time.Time
}

// NewEngine creates an engine in the uninitialized state.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		now:    time.Now,
		values: make(map[string]any),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Initialize loads values and commits the predicate without counting it as a flip.
func (e *Engine) Initialize(values map[string]any) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, v := range values {
		e.values[id] = v
	}
	s := Evaluate(e.cfg, e.lookup)
	e.state = &s
	return Result{State: s, LastFlip: e.lastFlip}
}

// Observe records a device's new value and re-evaluates the whole set.
// Devices outside the configured set are ignored and report ok == false.
func (e *Engine) Observe(deviceID string, value any) (Result, bool) {
	if !e.cfg.Contains(deviceID) {
		return Result{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.values[e.key(deviceID)] = value
	return e.commit(), true
}

// Set records values without evaluating them.
func (e *Engine) Set(values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, v := range values {
		if e.cfg.Contains(id) {
			e.values[e.key(id)] = v
		}
	}
}

// Forget drops a device's last-known value.
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, e.key(deviceID))
}

// Evaluate re-evaluates the current values and commits the result.
func (e *Engine) Evaluate() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commit()
}

// State returns the committed predicate, or nil before the first evaluation.
func (e *Engine) State() (*bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, e.lastFlip
	}
	s := *e.state
	return &s, e.lastFlip
}

// Value returns the last-known value of a device.
func (e *Engine) Value(deviceID string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(deviceID)
}

func (e *Engine) commit() Result {
	s := Evaluate(e.cfg, e.lookup)
	r := Result{State: s}
	if e.state == nil || *e.state != s {
		e.state = &s
		e.lastFlip = e.now()
		r.Flipped = true
	}
	r.LastFlip = e.lastFlip
	return r
}

// key maps an identifier onto the configured spelling so 12 and "12" share a slot.
func (e *Engine) key(deviceID string) string {
	for _, id := range e.cfg.Devices {
		if device.SameID(id, deviceID) {
			return id
		}
	}
	return deviceID
}

func (e *Engine) lookup(deviceID string) (any, bool) {
	v, ok := e.values[e.key(deviceID)]
	return v, ok
}

// StatusText renders the node status line.
func (e *Engine) StatusText() string {
	state, lastFlip := e.State()
	if state == nil {
		return "waiting for events"
	}

	result := "FALSE"
	if *state {
		result = "TRUE"
	}
	text := fmt.Sprintf("%s %s %s", e.cfg.Mode, e.cfg.Target, result)
	if !lastFlip.IsZero() {
		text += " " + lastFlip.Format(time.DateTime)
	}
	return strings.Join(strings.Fields(text), " ")
}

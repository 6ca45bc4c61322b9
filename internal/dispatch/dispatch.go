// Package dispatch executes planned device commands through the hub's
// command lock, one command in flight per hub at a time.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dokzlo13/hubitatd/internal/hubitat"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/restore"
)

// Hub is the part of the hub connection a dispatcher needs.
type Hub interface {
	Acquire(ctx context.Context) error
	Release()
	ExecuteCommand(ctx context.Context, deviceID, command, args string) (*hubitat.CommandResponse, error)
}

// Record is the outcome of one executed command.
type Record struct {
	RequestID        string
	DeviceID         string
	Command          string
	RequestArguments string
	URL              string
	ResponseStatus   int
	// Response is the decoded JSON body, or the raw text when it is not JSON
	// or the hub rejected the command.
	Response any
}

// Map renders the record fields merged into the outgoing message.
func (r Record) Map() map[string]any {
	return map[string]any{
		"deviceId":         r.DeviceID,
		"command":          r.Command,
		"requestArguments": r.RequestArguments,
		"responseStatus":   r.ResponseStatus,
		"response":         r.Response,
	}
}

// ProtocolError is a command the hub answered with a status >= 400.
type ProtocolError struct {
	DeviceID string
	Command  string
	URL      string
	Status   int
	Body     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Body)
}

// TransportError is a command that never got a hub response.
type TransportError struct {
	DeviceID string
	Command  string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device %s command %s: %v", e.DeviceID, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Dispatcher runs command plans against one hub.
type Dispatcher struct {
	hub      Hub
	recorder ledger.Recorder
}

// New creates a dispatcher. A nil recorder disables history.
func New(hub Hub, recorder ledger.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = ledger.Nop{}
	}
	return &Dispatcher{hub: hub, recorder: recorder}
}

// Run executes one device's plan in order. Every command that reached the hub
// is passed to emit, including one the hub rejected. The first failure stops
// the remaining commands and is returned. Plans of different devices may run
// concurrently; the hub lock serializes them.
func (d *Dispatcher) Run(ctx context.Context, owner string, cmds []restore.Command, emit func(Record)) error {
	for _, cmd := range cmds {
		rec, err := d.execute(ctx, cmd)
		if rec != nil {
			emit(*rec)
		}
		if err != nil {
			d.recorder.Record(ledger.EventCommandFailed, owner, cmd.DeviceID, map[string]any{
				"command": cmd.Name,
				"error":   err.Error(),
			})
			return err
		}
		d.recorder.Record(ledger.EventCommandSent, owner, cmd.DeviceID, map[string]any{
			"command":    rec.Command,
			"arguments":  rec.RequestArguments,
			"status":     rec.ResponseStatus,
			"request_id": rec.RequestID,
		})
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, cmd restore.Command) (*Record, error) {
	args, err := cmd.EncodeArgs()
	if err != nil {
		return nil, err
	}

	if err := d.hub.Acquire(ctx); err != nil {
		return nil, &TransportError{DeviceID: cmd.DeviceID, Command: cmd.Name, Err: err}
	}
	// The lock is released on every path, after the pacing delay.
	defer d.hub.Release()

	rec := &Record{
		RequestID:        uuid.NewString(),
		DeviceID:         cmd.DeviceID,
		Command:          cmd.Name,
		RequestArguments: args,
	}

	logger := log.With().
		Str("request_id", rec.RequestID).
		Str("device", cmd.DeviceID).
		Str("command", cmd.Name).
		Str("args", args).
		Logger()

	resp, err := d.hub.ExecuteCommand(ctx, cmd.DeviceID, cmd.Name, args)
	if err != nil {
		logger.Error().Err(err).Msg("Command request failed")
		return nil, &TransportError{DeviceID: cmd.DeviceID, Command: cmd.Name, Err: err}
	}

	rec.URL = resp.URL
	rec.ResponseStatus = resp.Status

	if resp.Status >= 400 {
		rec.Response = string(resp.Body)
		logger.Error().
			Int("status", resp.Status).
			Str("url", resp.URL).
			Str("response", rec.Response.(string)).
			Msg("Hub rejected command")
		return rec, &ProtocolError{
			DeviceID: cmd.DeviceID,
			Command:  cmd.Name,
			URL:      resp.URL,
			Status:   resp.Status,
			Body:     string(resp.Body),
		}
	}

	rec.Response = decodeBody(resp.Body)
	logger.Debug().Int("status", resp.Status).Msg("Command sent")
	return rec, nil
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	return gjson.ParseBytes(body).Value()
}

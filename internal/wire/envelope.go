// Package wire converts commands and events to and from their external
// forms: JSON envelopes for journals and brokers, and a line protocol for
// byte-stream device links.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comalice/statecore"
)

var (
	ErrUnknownKind = errors.New("unknown kind")
	ErrBadPayload  = errors.New("malformed payload")
)

// Envelope is the JSON form of a command or event.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type timePayload struct {
	At time.Time `json:"at"`
}

type armPayload struct {
	At     time.Time `json:"at"`
	Period string    `json:"period"`
}

type tickPayload struct {
	Now time.Time `json:"now"`
}

type haltPayload struct {
	Reason string `json:"reason,omitempty"`
}

type registerPayload struct {
	Name  string `json:"name"`
	Value int64  `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

// EncodeCommand returns the envelope for cmd.
func EncodeCommand(cmd statecore.Command) (Envelope, error) {
	if cmd == nil {
		return Envelope{}, fmt.Errorf("%w: nil command", ErrUnknownKind)
	}
	e := commandEncoder{}
	cmd.Accept(&e)
	if e.err != nil {
		return Envelope{}, e.err
	}
	return Envelope{Kind: string(cmd.Kind()), Payload: e.raw}, nil
}

// payloadWriter holds the result of one visitor call.
type payloadWriter struct {
	raw json.RawMessage
	err error
}

func (w *payloadWriter) encode(v any) {
	w.raw, w.err = json.Marshal(v)
}

type commandEncoder struct {
	payloadWriter
}

func (e *commandEncoder) VisitArm(c statecore.Arm) {
	e.encode(armPayload{At: c.At(), Period: c.Period().String()})
}

func (e *commandEncoder) VisitStart(statecore.Start) {}

func (e *commandEncoder) VisitHeartbeat(c statecore.Heartbeat) {
	e.encode(timePayload{At: c.At()})
}

func (e *commandEncoder) VisitTick(c statecore.Tick) {
	e.encode(tickPayload{Now: c.Now()})
}

func (e *commandEncoder) VisitHalt(c statecore.Halt) {
	e.encode(haltPayload{Reason: c.Reason()})
}

func (e *commandEncoder) VisitReset(statecore.Reset) {}

func (e *commandEncoder) VisitSetRegister(c statecore.SetRegister) {
	e.encode(registerPayload{Name: c.Name(), Value: c.Value()})
}

func (e *commandEncoder) VisitAdjustRegister(c statecore.AdjustRegister) {
	e.encode(registerPayload{Name: c.Name(), Delta: c.Delta()})
}

func (e *commandEncoder) VisitClearRegister(c statecore.ClearRegister) {
	e.encode(registerPayload{Name: c.Name()})
}

// DecodeCommand rebuilds a command from its envelope. Payloads go through
// the statecore constructors, so invalid input never becomes a command.
func DecodeCommand(env Envelope) (statecore.Command, error) {
	switch statecore.CommandKind(env.Kind) {
	case statecore.KindArm:
		var p armPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		period, err := time.ParseDuration(p.Period)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return command(statecore.NewArm(p.At, period))
	case statecore.KindStart:
		return statecore.Start{}, nil
	case statecore.KindHeartbeat:
		var p timePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return statecore.NewHeartbeat(p.At), nil
	case statecore.KindTick:
		var p tickPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return statecore.NewTick(p.Now), nil
	case statecore.KindHalt:
		var p haltPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return command(statecore.NewHalt(p.Reason))
	case statecore.KindReset:
		return statecore.Reset{}, nil
	case statecore.KindSetRegister:
		var p registerPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return command(statecore.NewSetRegister(p.Name, p.Value))
	case statecore.KindAdjustRegister:
		var p registerPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return command(statecore.NewAdjustRegister(p.Name, p.Delta))
	case statecore.KindClearRegister:
		var p registerPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return command(statecore.NewClearRegister(p.Name))
	default:
		return nil, fmt.Errorf("%w: command %q", ErrUnknownKind, env.Kind)
	}
}

// command drops the zero value a failed constructor returns alongside its
// error, so callers never see a non-nil command with a non-nil error.
func command(c statecore.Command, err error) (statecore.Command, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshal(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrBadPayload, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Kind, err)
	}
	return nil
}

// Event payloads. Field names are part of the journal format.
type (
	modeChangedPayload struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Cause string `json:"cause"`
	}
	clockAdvancedPayload struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	}
	watchdogPayload struct {
		Period   string    `json:"period,omitempty"`
		Deadline time.Time `json:"deadline"`
		At       time.Time `json:"at,omitzero"`
	}
	registerChangedPayload struct {
		Name     string `json:"name"`
		Previous int64  `json:"previous"`
		Current  int64  `json:"current"`
		Created  bool   `json:"created,omitempty"`
	}
	registersClearedPayload struct {
		Count int `json:"count"`
	}
	rejectedPayload struct {
		Command string `json:"command"`
		Reason  string `json:"reason"`
		Detail  string `json:"detail"`
	}
)

// EncodeEvent returns the envelope for ev.
func EncodeEvent(ev statecore.Event) (Envelope, error) {
	if ev == nil {
		return Envelope{}, fmt.Errorf("%w: nil event", ErrUnknownKind)
	}
	e := eventEncoder{}
	ev.Accept(&e)
	if e.err != nil {
		return Envelope{}, e.err
	}
	return Envelope{Kind: string(ev.Kind()), Payload: e.raw}, nil
}

// EncodeEvents encodes a whole application result in order.
func EncodeEvents(events []statecore.Event) ([]Envelope, error) {
	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		env, err := EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

type eventEncoder struct {
	payloadWriter
}

func (e *eventEncoder) VisitModeChanged(ev statecore.ModeChanged) {
	e.encode(modeChangedPayload{From: ev.From.String(), To: ev.To.String(), Cause: ev.Cause})
}

func (e *eventEncoder) VisitClockAdvanced(ev statecore.ClockAdvanced) {
	e.encode(clockAdvancedPayload{From: ev.From, To: ev.To})
}

func (e *eventEncoder) VisitWatchdogArmed(ev statecore.WatchdogArmed) {
	e.encode(watchdogPayload{Period: ev.Period.String(), Deadline: ev.Deadline})
}

func (e *eventEncoder) VisitWatchdogFed(ev statecore.WatchdogFed) {
	e.encode(watchdogPayload{Deadline: ev.Deadline})
}

func (e *eventEncoder) VisitWatchdogExpired(ev statecore.WatchdogExpired) {
	e.encode(watchdogPayload{Deadline: ev.Deadline, At: ev.At})
}

func (e *eventEncoder) VisitRegisterChanged(ev statecore.RegisterChanged) {
	e.encode(registerChangedPayload{Name: ev.Name, Previous: ev.Previous, Current: ev.Current, Created: ev.Created})
}

func (e *eventEncoder) VisitRegisterRemoved(ev statecore.RegisterRemoved) {
	e.encode(registerChangedPayload{Name: ev.Name, Previous: ev.Previous})
}

func (e *eventEncoder) VisitRegistersCleared(ev statecore.RegistersCleared) {
	e.encode(registersClearedPayload{Count: ev.Count})
}

func (e *eventEncoder) VisitCommandRejected(ev statecore.CommandRejected) {
	e.encode(rejectedPayload{Command: string(ev.Command), Reason: string(ev.Reason), Detail: ev.Detail})
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/crdt"
)

// Frame layout: byte 0 is the message class. Sync frames carry a step byte
// next, then a JSON payload. Awareness frames carry the JSON payload directly.
type Class byte

const (
	ClassSync      Class = 0
	ClassAwareness Class = 1
)

type Step byte

const (
	StepSV     Step = 0 // state vector, peer answers with StepDiff
	StepDiff   Step = 1 // ops the receiver lacks, or the full state
	StepUpdate Step = 2 // live update
)

var (
	ErrShortFrame   = errors.New("short frame")
	ErrUnknownClass = errors.New("unknown message class")
	ErrUnknownStep  = errors.New("unknown sync step")
)

type Frame struct {
	Class   Class
	Step    Step
	Payload []byte
}

// AwarenessMessage travels in awareness frames. Clients send Fields for their
// own entry; the server sends Change, which for the attach snapshot lists every
// client as added.
type AwarenessMessage struct {
	Fields *awareness.Fields `json:"fields,omitempty"`
	Change *awareness.Change `json:"change,omitempty"`
}

func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrShortFrame
	}
	switch c := Class(b[0]); c {
	case ClassSync:
		if len(b) < 2 {
			return Frame{}, ErrShortFrame
		}
		s := Step(b[1])
		if s > StepUpdate {
			return Frame{}, fmt.Errorf("%w: %d", ErrUnknownStep, s)
		}
		return Frame{Class: c, Step: s, Payload: b[2:]}, nil
	case ClassAwareness:
		return Frame{Class: c, Payload: b[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownClass, c)
	}
}

func encodeSync(step Step, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ClassSync), byte(step)}, payload...), nil
}

func EncodeStateVector(sv crdt.StateVector) ([]byte, error) {
	if sv == nil {
		sv = crdt.StateVector{}
	}
	return encodeSync(StepSV, sv)
}

// EncodeUpdate frames an update as StepDiff or StepUpdate.
func EncodeUpdate(step Step, u crdt.Update) ([]byte, error) {
	if step != StepDiff && step != StepUpdate {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, step)
	}
	if u.Ops == nil {
		u.Ops = []crdt.Op{}
	}
	return encodeSync(step, u)
}

func EncodeAwareness(m AwarenessMessage) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ClassAwareness)}, payload...), nil
}

func (f Frame) StateVector() (crdt.StateVector, error) {
	sv := crdt.StateVector{}
	if err := json.Unmarshal(f.Payload, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

func (f Frame) Update() (crdt.Update, error) {
	return crdt.DecodeUpdate(f.Payload)
}

func (f Frame) Awareness() (AwarenessMessage, error) {
	var m AwarenessMessage
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		return AwarenessMessage{}, fmt.Errorf("decode awareness: %w", err)
	}
	return m, nil
}

// SnapshotMessage presents a full presence table as a change adding every client.
func SnapshotMessage(states map[string]awareness.ClientPresence) AwarenessMessage {
	ch := awareness.Change{Added: slices.Sorted(maps.Keys(states)), States: states}
	return AwarenessMessage{Change: &ch}
}

// Package event defines the facts an agent reports about its host and their
// JSON wire form.
//
// An event travels as an object with exactly one key naming the variant:
//
//	{"MachineEmit": {"ip": "10.0.0.7", "country": "DE"}}
//	{"OsEmit": {"family": "linux", "name": "Ubuntu 24.04", "virtualization": true}}
//
// Optional fields may be omitted or null. Unknown inner fields are ignored.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the wire tag of an event variant.
type Kind string

const (
	KindMachineEmit Kind = "MachineEmit"
	KindOsEmit      Kind = "OsEmit"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed event")

// Event is a closed sum type: only MachineEmit and OsEmit implement it.
type Event interface {
	Kind() Kind
	isEvent()
}

// MachineEmit reports network location.
type MachineEmit struct {
	IP      string  `json:"ip"`
	Country *string `json:"country,omitempty"`
}

// OsEmit reports operating system facts.
type OsEmit struct {
	Family         string  `json:"family"`
	Name           *string `json:"name,omitempty"`
	Version        *string `json:"version,omitempty"`
	Arch           *string `json:"arch,omitempty"`
	Build          *string `json:"build,omitempty"`
	Virtualization *bool   `json:"virtualization,omitempty"`
}

func (MachineEmit) Kind() Kind { return KindMachineEmit }
func (OsEmit) Kind() Kind      { return KindOsEmit }

func (MachineEmit) isEvent() {}
func (OsEmit) isEvent()      {}

// Decode parses one tagged event.
func Decode(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a tagged object", ErrMalformed)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformed, len(envelope))
	}

	for tag, body := range envelope {
		switch Kind(tag) {
		case KindMachineEmit:
			return decodeMachineEmit(body)
		case KindOsEmit:
			return decodeOsEmit(body)
		default:
			return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
		}
	}
	panic("unreachable")
}

func decodeMachineEmit(body json.RawMessage) (Event, error) {
	var wire struct {
		IP      *string `json:"ip"`
		Country *string `json:"country"`
	}
	if err := unmarshalBody(body, &wire); err != nil {
		return nil, err
	}
	if wire.IP == nil {
		return nil, fmt.Errorf("%w: MachineEmit.ip is required", ErrMalformed)
	}
	return MachineEmit{IP: *wire.IP, Country: wire.Country}, nil
}

func decodeOsEmit(body json.RawMessage) (Event, error) {
	var wire struct {
		Family         *string `json:"family"`
		Name           *string `json:"name"`
		Version        *string `json:"version"`
		Arch           *string `json:"arch"`
		Build          *string `json:"build"`
		Virtualization *bool   `json:"virtualization"`
	}
	if err := unmarshalBody(body, &wire); err != nil {
		return nil, err
	}
	if wire.Family == nil {
		return nil, fmt.Errorf("%w: OsEmit.family is required", ErrMalformed)
	}
	return OsEmit{
		Family:         *wire.Family,
		Name:           wire.Name,
		Version:        wire.Version,
		Arch:           wire.Arch,
		Build:          wire.Build,
		Virtualization: wire.Virtualization,
	}, nil
}

func unmarshalBody(body json.RawMessage, v any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return fmt.Errorf("%w: variant body must be an object", ErrMalformed)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Marshal encodes ev in its tagged wire form.
func Marshal(ev Event) ([]byte, error) {
	switch ev.(type) {
	case MachineEmit, OsEmit:
	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", ev)
	}
	return json.Marshal(map[Kind]Event{ev.Kind(): ev})
}

// String returns a pointer to s, for building optional fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building optional fields.
func Bool(b bool) *bool { return &b }

// Package codec implements the canonical payload/snapshot envelope and
// the upcaster registry described in spec.md §3 and §9 ("Ad-hoc JSON
// envelopes -> typed encoders/decoders with explicit payload and
// snapshot versions").
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownPayloadVersion is fatal: decoding hit a payloadVersion with
// no upcast path to the latest registered version for that event type.
var ErrUnknownPayloadVersion = errors.New("codec: unknown payload version")

// Envelope is the canonical on-the-wire (pre-encryption) shape of
// every event and snapshot payload: {payloadVersion, data}.
type Envelope struct {
	PayloadVersion int             `json:"payloadVersion"`
	Data           json.RawMessage `json:"data"`
}

// UpcastFunc transforms the raw data of one payload version into the
// next version's raw data.
type UpcastFunc func(data json.RawMessage) (json.RawMessage, error)

// Registry holds per-eventType upcast chains and latest versions.
type Registry struct {
	latest    map[string]int
	upcasters map[string]map[int]UpcastFunc
}

func NewRegistry() *Registry {
	return &Registry{
		latest:    make(map[string]int),
		upcasters: make(map[string]map[int]UpcastFunc),
	}
}

// RegisterLatest declares the current payloadVersion for an event
// type. Event types never registered default to latest version 1.
func (r *Registry) RegisterLatest(eventType string, version int) {
	r.latest[eventType] = version
}

// RegisterUpcast registers a step that upgrades eventType payloads
// from fromVersion to fromVersion+1.
func (r *Registry) RegisterUpcast(eventType string, fromVersion int, fn UpcastFunc) {
	if r.upcasters[eventType] == nil {
		r.upcasters[eventType] = make(map[int]UpcastFunc)
	}
	r.upcasters[eventType][fromVersion] = fn
}

func (r *Registry) latestVersion(eventType string) int {
	if v, ok := r.latest[eventType]; ok {
		return v
	}
	return 1
}

// Encode marshals data at the registry's latest payloadVersion for
// eventType into a canonical envelope byte form.
func (r *Registry) Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal data: %w", err)
	}
	env := Envelope{PayloadVersion: r.latestVersion(eventType), Data: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses an envelope, upcasts its data to the latest
// payloadVersion for eventType, then unmarshals into target. Decoding
// without a matching latest payloadVersion (no upcast path available)
// is a fatal typed error per spec.md §3.
func (r *Registry) Decode(eventType string, raw []byte, target any) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	latest := r.latestVersion(eventType)
	data := env.Data
	version := env.PayloadVersion
	for version < latest {
		fn, ok := r.upcasters[eventType][version]
		if !ok {
			return fmt.Errorf("%w: %s at v%d (latest v%d)", ErrUnknownPayloadVersion, eventType, version, latest)
		}
		upcasted, err := fn(data)
		if err != nil {
			return fmt.Errorf("codec: upcast %s v%d->v%d: %w", eventType, version, version+1, err)
		}
		data = upcasted
		version++
	}
	if version > latest {
		return fmt.Errorf("%w: %s at v%d (latest v%d)", ErrUnknownPayloadVersion, eventType, version, latest)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("codec: unmarshal data: %w", err)
	}
	return nil
}

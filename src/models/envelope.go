package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Chord-sheet payload schema versions.
const (
	SchemaLegacy  = 1
	SchemaCurrent = 2
)

// ErrUnknownSchema is returned when an envelope carries a version this build
// does not know how to read.
var ErrUnknownSchema = errors.New("unknown chord sheet schema")

// Envelope tags a persisted chord-sheet payload with its schema version.
type Envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// legacySheet is the payload written before keys and tunings were tracked.
type legacySheet struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Chords string `json:"chords"`
}

// Wrap encodes sheet with the current schema version.
func Wrap(sheet ChordSheet) (Envelope, error) {
	payload, err := json.Marshal(sheet)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode chord sheet: %w", err)
	}
	return Envelope{SchemaVersion: SchemaCurrent, Payload: payload}, nil
}

// WrapLegacy encodes a payload in the legacy layout.
func WrapLegacy(artist, title, chords string) (Envelope, error) {
	payload, err := json.Marshal(legacySheet{Artist: artist, Title: title, Chords: chords})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode legacy chord sheet: %w", err)
	}
	return Envelope{SchemaVersion: SchemaLegacy, Payload: payload}, nil
}

// Unwrap decodes the payload into the current ChordSheet shape.
func (e Envelope) Unwrap() (ChordSheet, error) {
	switch e.SchemaVersion {
	case SchemaLegacy:
		var l legacySheet
		if err := json.Unmarshal(e.Payload, &l); err != nil {
			return ChordSheet{}, fmt.Errorf("failed to decode legacy chord sheet: %w", err)
		}
		return ChordSheet{Artist: l.Artist, Title: l.Title, SongChords: l.Chords}, nil
	case SchemaCurrent:
		var c ChordSheet
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return ChordSheet{}, fmt.Errorf("failed to decode chord sheet: %w", err)
		}
		return c, nil
	default:
		return ChordSheet{}, fmt.Errorf("%w: version %d", ErrUnknownSchema, e.SchemaVersion)
	}
}

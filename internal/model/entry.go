package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActorType identifies who produced a context entry.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
)

// Actor is the producer of a context entry.
type Actor struct {
	Type    ActorType `json:"type"`
	ID      string    `json:"id"`
	Version string    `json:"version,omitempty"`
}

// SystemActor returns the actor used for entries written by the engine itself.
func SystemActor(component string) Actor {
	return Actor{Type: ActorSystem, ID: component, Version: EngineVersion}
}

// EngineVersion is stamped on system-actor entries.
const EngineVersion = "1"

// Trigger records which external stimulus caused an entry.
type Trigger struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ContextEntry is one immutable fact in a task's history. Entries are never
// updated or deleted; corrections are new entries.
type ContextEntry struct {
	EntryID        string    `json:"entryId"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int       `json:"sequenceNumber"`
	Actor          Actor     `json:"actor"`
	Operation      Operation `json:"operation"`
	Data           Payload   `json:"data"`
	Reasoning      string    `json:"reasoning"`
	Trigger        *Trigger  `json:"trigger,omitempty"`
}

type entryJSON struct {
	EntryID        string          `json:"entryId"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber int             `json:"sequenceNumber"`
	Actor          Actor           `json:"actor"`
	Operation      Operation       `json:"operation"`
	Data           json.RawMessage `json:"data"`
	Reasoning      string          `json:"reasoning"`
	Trigger        *Trigger        `json:"trigger,omitempty"`
}

func (e ContextEntry) MarshalJSON() ([]byte, error) {
	data, err := EncodePayload(e.Data)
	if err != nil {
		return nil, err
	}
	op := e.Operation
	if op == "" && e.Data != nil {
		op = e.Data.Operation()
	}
	return json.Marshal(entryJSON{
		EntryID:        e.EntryID,
		Timestamp:      e.Timestamp,
		SequenceNumber: e.SequenceNumber,
		Actor:          e.Actor,
		Operation:      op,
		Data:           data,
		Reasoning:      e.Reasoning,
		Trigger:        e.Trigger,
	})
}

func (e *ContextEntry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Operation, raw.Data)
	if err != nil {
		return fmt.Errorf("entry %s: %w", raw.EntryID, err)
	}
	*e = ContextEntry{
		EntryID:        raw.EntryID,
		Timestamp:      raw.Timestamp,
		SequenceNumber: raw.SequenceNumber,
		Actor:          raw.Actor,
		Operation:      raw.Operation,
		Data:           payload,
		Reasoning:      raw.Reasoning,
		Trigger:        raw.Trigger,
	}
	return nil
}

// ValidateHistory checks the append-only invariants of a history: sequence
// numbers are exactly 1..len(history) in order and every entry carries a
// non-empty reasoning.
func ValidateHistory(history []ContextEntry) error {
	for i, entry := range history {
		if entry.SequenceNumber != i+1 {
			return fmt.Errorf("entry %d has sequence number %d, want %d", i, entry.SequenceNumber, i+1)
		}
		if entry.Reasoning == "" {
			return fmt.Errorf("entry %d (%s) has empty reasoning", entry.SequenceNumber, entry.Operation)
		}
		if entry.Data == nil {
			return fmt.Errorf("entry %d (%s) has no payload", entry.SequenceNumber, entry.Operation)
		}
	}
	return nil
}

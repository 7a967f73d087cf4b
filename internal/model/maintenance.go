package model

import (
	"strings"
	"time"
)

// DefaultMessage is shown to blocked clients when no message has been set.
const DefaultMessage = "The website is under maintenance."

// MaintenanceState is the singleton maintenance configuration record.
type MaintenanceState struct {
	Enabled   bool           `json:"enabled"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Revision  int64          `json:"revision"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

// DefaultState returns the disabled state used before anything has been
// persisted. Its revision is 0.
func DefaultState() *MaintenanceState {
	return &MaintenanceState{Message: DefaultMessage}
}

// Normalize applies the at-rest defaults in place and returns s. Data is
// left as given: nil and an empty object are different payloads.
func (s *MaintenanceState) Normalize() *MaintenanceState {
	s.Message = NormalizeMessage(s.Message)
	return s
}

// Clone returns a copy of s that shares no top-level maps with it.
func (s *MaintenanceState) Clone() *MaintenanceState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Data != nil {
		c.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// NormalizeMessage returns msg trimmed, or DefaultMessage when it is empty.
func NormalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return DefaultMessage
	}
	return msg
}

// Revision is one entry in the append-only maintenance history.
type Revision struct {
	Revision  int64          `json:"revision"`
	Enabled   bool           `json:"enabled"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

// RevisionOf builds the history entry for a persisted state.
func RevisionOf(s *MaintenanceState) *Revision {
	return &Revision{
		Revision:  s.Revision,
		Enabled:   s.Enabled,
		Message:   s.Message,
		Data:      s.Data,
		UpdatedAt: s.UpdatedAt,
		UpdatedBy: s.UpdatedBy,
	}
}

// Package event defines the safety-event kinds that flow through the
// pipeline and the payload validation applied before anything reaches
// the durable store.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies the class of a safety event and selects both its
// store partition and its remote sync endpoint.
type Kind string

const (
	KindEmergency Kind = "emergency"
	KindLocation  Kind = "location"
	KindHazard    Kind = "hazard"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEmergency, KindLocation, KindHazard:
		return true
	}
	return false
}

// Emergency is an SOS event, manual or automatic (fall/inactivity
// detection upstream sets Automatic).
type Emergency struct {
	ID        string    `json:"id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Automatic bool      `json:"automatic"`
	UserRef   string    `json:"userRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Location is a single tracked location sample.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hazard is a user-submitted hazard report for the shared map.
type Hazard struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Reporter    string    `json:"reporter,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Profile is the singleton user profile record.
type Profile struct {
	Name              string   `json:"name"`
	Phone             string   `json:"phone,omitempty"`
	EmergencyContacts []string `json:"emergencyContacts,omitempty"`
	UpdatedAt         string   `json:"updatedAt,omitempty"`
}

// Validate checks a raw payload against the JSON Schema for its kind.
func Validate(kind Kind, payload json.RawMessage) error {
	return validatePayload(kind, payload)
}

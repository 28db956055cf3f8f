package v1

import (
	"fmt"
	"time"
)

// MessageTypeLinkClick is the only message type accepted on the click stream.
const MessageTypeLinkClick = "LINK_CLICK"

// ClickMessage is the envelope emitted by the redirect path for every visit.
type ClickMessage struct {
	Type string    `json:"type"`
	Data LinkClick `json:"data"`
}

// LinkClick describes one visit to a short link.
type LinkClick struct {
	// ID is the short link identifier. It is the debounce key for evaluations.
	ID string `json:"id"`

	// AccountID owns the link. It is the key of the account's click tracker.
	AccountID string `json:"accountId"`

	// Destination is the URL the visitor was redirected to.
	Destination string `json:"destination"`

	// Country is the visitor's ISO country code, when the edge reported one.
	Country string `json:"country,omitempty"`

	// Latitude and Longitude are optional; a click without coordinates is not
	// plotted on the live map but still schedules an evaluation.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the envelope and the required click attributes.
func (m *ClickMessage) Validate() error {
	if m.Type != MessageTypeLinkClick {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return m.Data.Validate()
}

// Validate ensures the click has the attributes required for routing.
func (c *LinkClick) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// GeoClick returns the log entry for the account tracker. ok is false when the
// click carries no location.
func (c *LinkClick) GeoClick() (GeoClick, bool) {
	if c.Latitude == nil || c.Longitude == nil || c.Country == "" {
		return GeoClick{}, false
	}
	return GeoClick{
		Latitude:  *c.Latitude,
		Longitude: *c.Longitude,
		Country:   c.Country,
		Time:      c.Timestamp.UnixMilli(),
	}, true
}

// EvaluationRequest returns the debounced payload for the link's evaluation.
func (c *LinkClick) EvaluationRequest() EvaluationRequest {
	return EvaluationRequest{
		LinkID:                 c.ID,
		AccountID:              c.AccountID,
		DestinationURL:         c.Destination,
		DestinationCountryCode: c.Country,
	}
}

// GeoClick is one entry of an account's click log. Entries are immutable once
// appended. Time is Unix milliseconds and orders the log.
type GeoClick struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	Time      int64   `json:"time"`
}

// Watermarks bound the delivered and retained extent of a click log.
//
// High is the largest timestamp delivered so far. Low is the smallest
// timestamp still retained; everything older has been pruned.
type Watermarks struct {
	High int64 `json:"high"`
	Low  int64 `json:"low"`
}

// EvaluationRequest is the payload handed to the destination evaluation
// workflow once a link's debounce window closes.
type EvaluationRequest struct {
	LinkID                 string `json:"linkId"`
	AccountID              string `json:"accountId"`
	DestinationURL         string `json:"destinationUrl"`
	DestinationCountryCode string `json:"destinationCountryCode,omitempty"`
}

// PendingEvaluation is the durable state of a link's evaluation scheduler.
type PendingEvaluation struct {
	Request EvaluationRequest `json:"request"`

	// Attempts counts failed trigger attempts for the current payload.
	Attempts int `json:"attempts"`

	UpdatedAt time.Time `json:"updated_at"`
}

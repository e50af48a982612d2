package schemas

import (
	"time"

	"github.com/google/uuid"
)

const (
	CloudEventsSpecVersion = "1.0"
)

// CloudEvent is the CloudEvents 1.0 JSON envelope Umpire publishes.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Time        string         `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	// CorrelationID extension: shared by every event of one deploy.
	CorrelationID string `json:"correlationid,omitempty"`
}

// NewCloudEvent builds an envelope with a fresh id and the current UTC time.
func NewCloudEvent(source, typ, subject string, data map[string]any) CloudEvent {
	return CloudEvent{
		SpecVersion: CloudEventsSpecVersion,
		ID:          uuid.NewString(),
		Source:      source,
		Type:        typ,
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Subject:     subject,
		Data:        data,
	}
}

package usage

import (
	_ "embed"
	"time"
)

const (
	EventSchemaID      = "reprozip.usage.event"
	EventSchemaVersion = "1.0.0"
)

//go:embed event.schema.json
var EventSchema []byte

type Event struct {
	SchemaID        string    `json:"schema_id"`
	SchemaVersion   string    `json:"schema_version"`
	CreatedAt       time.Time `json:"created_at"`
	ProducerVersion string    `json:"producer_version"`
	Program         string    `json:"program"`
	Command         string    `json:"command"`
	Success         bool      `json:"success"`
	ExitCode        int       `json:"exit_code"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	ErrorCode       string    `json:"error_code,omitempty"`
	OS              string    `json:"os"`
	Arch            string    `json:"arch"`
}

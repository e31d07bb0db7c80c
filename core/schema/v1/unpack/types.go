package unpack

import (
	_ "embed"
	"time"
)

const (
	StateSchemaID      = "reprozip.unpack.state"
	StateSchemaVersion = "1.0.0"
)

//go:embed state.schema.json
var StateSchema []byte

// State is persisted as ".reprounzip" inside an unpacked target.
type State struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	CreatedAt       time.Time         `json:"created_at"`
	ProducerVersion string            `json:"producer_version"`
	Unpacker        string            `json:"unpacker"`
	Bundle          string            `json:"bundle"`
	ManifestDigest  string            `json:"manifest_digest"`
	RestoreOwner    bool              `json:"restore_owner,omitempty"`
	Mounted         []string          `json:"mounted,omitempty"`
	Uploads         map[string]string `json:"uploads,omitempty"`
}

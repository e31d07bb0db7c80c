package bundle

import (
	_ "embed"
	"time"
)

const (
	ManifestSchemaID      = "reprozip.bundle.manifest"
	ManifestSchemaVersion = "1.0.0"
)

//go:embed manifest.schema.json
var ManifestSchema []byte

type Manifest struct {
	SchemaID        string         `json:"schema_id"`
	SchemaVersion   string         `json:"schema_version"`
	CreatedAt       time.Time      `json:"created_at"`
	ProducerVersion string         `json:"producer_version"`
	Environment     Environment    `json:"environment"`
	Files           []ManifestFile `json:"files"`
	ConfigDigest    string         `json:"config_digest"`
	TraceDigest     string         `json:"trace_digest"`
	ManifestDigest  string         `json:"manifest_digest"`
	Signatures      []Signature    `json:"signatures,omitempty"`
}

// Environment describes the machine the experiment was traced on.
type Environment struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Distribution string `json:"distribution,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
}

type ManifestFile struct {
	Path     string `json:"path"`
	Type     string `json:"type"`
	Mode     uint32 `json:"mode"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Linkname string `json:"linkname,omitempty"`
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest"`
}

const (
	FileTypeRegular = "file"
	FileTypeSymlink = "symlink"
	FileTypeDir     = "dir"
)

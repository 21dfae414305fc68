package models

import "time"

// SnapshotKind classifies a snapshot. Only configuration exports exist
// today.
type SnapshotKind string

const (
	SnapshotConfig SnapshotKind = "config"
)

// SnapshotSource records which transport produced the capture.
type SnapshotSource string

const (
	SnapshotSourceREST  SnapshotSource = "rest"
	SnapshotSourceShell SnapshotSource = "shell"
)

// SnapshotMeta describes the stored blob.
type SnapshotMeta struct {
	UncompressedSize int64          `json:"uncompressed_size"`
	CompressedSize   int64          `json:"compressed_size"`
	Algorithm        string         `json:"algorithm"`
	// Checksum is the hex SHA-256 of the uncompressed text.
	Checksum string         `json:"checksum"`
	Source   SnapshotSource `json:"source"`
	// Redacted marks shell captures taken with hide-sensitive.
	Redacted bool `json:"redacted"`
}

// Snapshot is a compressed, checksummed capture of a device's
// configuration text at a point in time.
type Snapshot struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"device_id"`
	Kind      SnapshotKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Data      []byte       `json:"-"`
	Meta      SnapshotMeta `json:"meta"`
}

package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for units, tasks, and compilation records.
func NewID() string {
	return ulid.Make().String()
}

// NewArtifactID generates the identity of a compiled artifact. Artifact
// identities are compared on invalidation, so they must be unique per
// compilation attempt, never reused across recompilations of the same unit.
func NewArtifactID() string {
	return "art_" + ulid.Make().String()
}

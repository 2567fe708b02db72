package api

import "github.com/srcpin/srcpin/integrity"

// Pin is the locator for a single pinned external artifact:
// one or more mirror URLs pointing at the same bytes, and the expected
// content checksums. A pin is defined once (in the pin file or in source)
// and never mutated.
type Pin struct {
	URLs      []string
	Integrity integrity.Integrity
	// SizeHint is the size of the artifact in bytes, if known.
	// If the size is not known, this field is set to -1.
	SizeHint int64
}

// ResolveOptions is the per-call configuration of a resolution.
// The zero value is valid and is the common case.
type ResolveOptions struct {
	// SkipStore disables the store short-circuit, forcing a fresh
	// retrieval even if a verified artifact is already cached.
	SkipStore bool
	// Destination selects the store a resolution populates.
	// An empty value means the local disk store.
	Destination Destination
}

type Destination int

const (
	DestinationDisk Destination = iota
	DestinationRemote
)

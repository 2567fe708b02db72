package fetch

import (
	"fmt"

	"github.com/srcpin/srcpin/integrity"
)

// RetrievalError reports that the remote resource could not be retrieved:
// the transport failed, the request timed out or was cancelled, or the
// server returned a non-success status.
type RetrievalError struct {
	URL string
	// StatusCode is the HTTP status code, or 0 if no response was received.
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retrieving %s: unexpected status code %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("retrieving %s: %v", e.URL, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IntegrityError reports a checksum mismatch between the pinned checksum
// and the retrieved content. It is always fatal: the content is discarded
// and never imported.
type IntegrityError struct {
	URL      string
	Expected integrity.Checksum
	Computed integrity.Checksum
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, computed %s",
		e.URL, e.Expected.ToSRI(), e.Computed.ToSRI())
}

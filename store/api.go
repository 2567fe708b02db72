// Package store implements content-addressed storage for verified artifacts.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/srcpin/srcpin/integrity"
)

// Store is the interface for a content-addressed blob store.
// It is modeled after the remote execution API's ContentAddressableStorage
// service, but does not assume that the storage is remote or accessed
// via gRPC.
type Store interface {
	Checker
	Reader
	Writer
}

// LocalStore is a store with cheap local access: blobs can be imported from
// readers and probed by checksum.
type LocalStore interface {
	Store
	Importer

	// Contains reports whether a blob for the given checksum is present,
	// returning its size when it is.
	Contains(checksum integrity.Checksum) (int64, bool)
}

type Checker interface {
	FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error)
}

type Reader interface {
	BatchReadBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error)
	ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error)
}

type Writer interface {
	BatchUpdateBlobs(ctx context.Context, blobData DigestsAndData, digestFunction integrity.Algorithm) (BatchUpdateBlobsResponse, error)
	WriteStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error)
}

// Importer ingests verified content from a reader, returning the digest of
// the imported bytes.
type Importer interface {
	ImportBlob(ctx context.Context, prevalidatedIntegrity integrity.Integrity, optionalDigest integrity.Digest, digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error)
}

type WriterAtCloser interface {
	io.Writer
	io.WriterAt
	io.Closer
}

type BatchReadBlobsResponse []ReadBlobsResponse

type ReadBlobsResponse struct {
	Digest integrity.Digest
	Data   []byte
	Status Status
}

type BatchUpdateBlobsResponse []UpdateBlobsResponse

type UpdateBlobsResponse struct {
	Digest integrity.Digest
	Status Status
}

type DigestAndData struct {
	Digest integrity.Digest
	Data   []byte
}

type DigestsAndData []DigestAndData

// Status mirrors the googleapis rpc status used in batch responses.
type Status struct {
	Code    StatusCode
	Message string
}

type StatusCode int32

const (
	// The operation completed successfully.
	Status_OK StatusCode = 0
	// Unknown error, or an error converted from an API that does not
	// return enough error information.
	Status_UNKNOWN StatusCode = 2
	// The requested blob was not found in the store.
	Status_NOT_FOUND StatusCode = 5
	// The request was rejected by the store.
	Status_PERMISSION_DENIED StatusCode = 7
	// Internal errors. Some invariant expected by the underlying store
	// has been broken.
	Status_INTERNAL StatusCode = 13
)

// BatchResponseHasNonZeroStatus is returned alongside a batch response when
// at least one item failed. The per-item statuses carry the details.
var BatchResponseHasNonZeroStatus = errors.New("batch response contains non-OK status")

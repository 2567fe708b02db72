// Package fetch retrieves pinned artifacts over HTTP, verifies their
// content checksums and imports the verified bytes into the local store.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
	"github.com/srcpin/srcpin/store"
)

// Fetcher downloads pinned artifacts directly into the local store.
// It performs HTTP requests locally; it never talks to a remote store.
type Fetcher struct {
	localStore store.LocalStore
	httpClient *http.Client
}

func New(localStore store.LocalStore, httpClient *http.Client) *Fetcher {
	return &Fetcher{
		localStore: localStore,
		httpClient: httpClient,
	}
}

// FetchPin retrieves the artifact identified by the pin, verifies it and
// imports it into the local store, returning the digest of the imported
// bytes.
//
// Mirror URLs are tried in order. A retrieval failure moves on to the next
// mirror (all mirrors serve the same pinned bytes), but an integrity
// mismatch fails immediately: substituting content from another source
// would defeat the purpose of pinning.
func (f *Fetcher) FetchPin(ctx context.Context, timeout time.Duration, pin api.Pin, digestFunction integrity.Algorithm) (integrity.Digest, error) {
	if pin.Integrity.Empty() {
		return integrity.Digest{}, errors.New("fetching artifact: no checksums to validate")
	}
	if best, ok := pin.Integrity.BestSingleChecksum(digestFunction); ok {
		logging.Debugf("fetching artifact %s from %v", best.ToSRI(), pin.URLs)
	}

	var retrievalErrors []error
	for _, url := range pin.URLs {
		digest, err := f.fetchFromURL(ctx, timeout, url, pin.Integrity, digestFunction)
		if err == nil {
			logging.Debugf("successfully fetched artifact from %s (%s: %s; %d bytes)", url, digestFunction.String(), digest.Hex(digestFunction), digest.SizeBytes)
			return digest, nil
		}
		var integrityErr *IntegrityError
		if errors.As(err, &integrityErr) {
			return integrity.Digest{}, err
		}
		retrievalErrors = append(retrievalErrors, err)
	}
	return integrity.Digest{}, fmt.Errorf("unable to fetch artifact from any url: %w", errors.Join(retrievalErrors...))
}

func (f *Fetcher) fetchFromURL(ctx context.Context, timeout time.Duration, url string, expectedContent integrity.Integrity, digestFunction integrity.Algorithm) (integrity.Digest, error) {
	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return integrity.Digest{}, &RetrievalError{URL: url, Err: err}
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return integrity.Digest{}, &RetrievalError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return integrity.Digest{}, &RetrievalError{URL: url, StatusCode: resp.StatusCode}
	}

	// Check if the body is known to fit in memory.
	canDownloadInMemory := resp.ContentLength >= 0 && resp.ContentLength <= maxInMemoryDownloadSize

	var bodyStagingArea io.ReadWriter
	var bodyRewinder func() error
	if canDownloadInMemory {
		bodyStagingArea = &bytes.Buffer{}
	} else {
		tmpFile, fileErr := os.CreateTemp("", "srcpin-fetch-")
		if fileErr != nil {
			return integrity.Digest{}, fileErr
		}
		defer os.Remove(tmpFile.Name())
		defer tmpFile.Close()
		bodyStagingArea = tmpFile
		bodyRewinder = func() error {
			_, err := tmpFile.Seek(0, io.SeekStart)
			return err
		}
	}

	// calculate all expected checksums in a single pass
	expectedChecksums := []integrity.Checksum{}
	digestWriters := []hash.Hash{}
	writers := []io.Writer{bodyStagingArea}
	needHasherForSingleDigest := true
	for checksum := range expectedContent.Items() {
		if checksum.Algorithm == digestFunction {
			needHasherForSingleDigest = false
		}
		hasher := checksum.Algorithm.Hasher()
		expectedChecksums = append(expectedChecksums, checksum)
		digestWriters = append(digestWriters, hasher)
		writers = append(writers, hasher)
	}
	var hasherForSingleDigest hash.Hash
	if needHasherForSingleDigest {
		logging.Warningf("fetching %s: no known %s checksum, calculating it manually", url, digestFunction)
		hasherForSingleDigest = digestFunction.Hasher()
		writers = append(writers, hasherForSingleDigest)
	}

	n, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if err != nil {
		return integrity.Digest{}, &RetrievalError{URL: url, Err: err}
	}
	// we need to move the file pointer back to the start
	if bodyRewinder != nil {
		if err := bodyRewinder(); err != nil {
			return integrity.Digest{}, err
		}
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return integrity.Digest{}, &RetrievalError{URL: url, Err: fmt.Errorf("unexpected content length: %d bytes expected, got %d", resp.ContentLength, n)}
	}

	// validate all checksums before any of the content becomes visible
	var knownDigest integrity.Digest
	for i, expectedChecksum := range expectedChecksums {
		gotChecksum := integrity.Checksum{
			Algorithm: expectedChecksum.Algorithm,
			Hash:      digestWriters[i].Sum(nil),
		}
		if !expectedChecksum.Equals(gotChecksum) {
			return integrity.Digest{}, &IntegrityError{
				URL:      url,
				Expected: expectedChecksum,
				Computed: gotChecksum,
			}
		}
		if expectedChecksum.Algorithm == digestFunction {
			knownDigest = integrity.NewDigest(gotChecksum.Hash, n, digestFunction)
		}
	}
	if needHasherForSingleDigest {
		learnedHash := hasherForSingleDigest.Sum(nil)
		learnedChecksum := integrity.Checksum{Algorithm: digestFunction, Hash: learnedHash}
		logging.Basicf("fetching %s: learned %s: %s", url, digestFunction, learnedChecksum.ToSRI())
		knownDigest = integrity.NewDigest(learnedHash, n, digestFunction)
	}

	return f.localStore.ImportBlob(ctx, expectedContent, knownDigest, digestFunction, bodyStagingArea)
}

// maxInMemoryDownloadSize is the maximum size of an artifact that we are
// willing to stage in memory. Larger bodies go through a temporary file.
// (64 MiB)
const maxInMemoryDownloadSize = 1 << 26

// Package resolver implements the resolution of pinned locators into
// verified, imported artifacts.
//
// A resolution is a single linear sequence: consult the local store
// (short-circuit), otherwise retrieve the bytes, verify every pinned
// checksum, persist the verified content, and hand the artifact to the
// caller. There are no retries and no fallback sources; a failed
// verification is fatal.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/artifact"
	"github.com/srcpin/srcpin/fetch"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
	"github.com/srcpin/srcpin/store"
)

// Resolver resolves pins against a local store, an optional shared remote
// store and the network. Public methods can be invoked concurrently.
type Resolver struct {
	localStore     store.LocalStore
	remoteStore    store.Store
	fetcher        *fetch.Fetcher
	checksumCache  *integrity.ChecksumCache
	digestFunction integrity.Algorithm
	timeout        time.Duration

	queue *workQueue[resolveRequest, *artifact.Artifact]
}

// New creates a Resolver. remoteStore may be nil, in which case every miss
// of the local store goes straight to the network.
func New(localStore store.LocalStore, remoteStore store.Store, fetcher *fetch.Fetcher, checksumCache *integrity.ChecksumCache, digestFunction integrity.Algorithm, timeout time.Duration) *Resolver {
	r := &Resolver{
		localStore:     localStore,
		remoteStore:    remoteStore,
		fetcher:        fetcher,
		checksumCache:  checksumCache,
		digestFunction: digestFunction,
		timeout:        timeout,
	}
	r.queue = newWorkQueue(r.handleResolve, runtime.NumCPU())
	return r
}

// Start launches the background workers used for enqueued resolutions.
// The returned stop function drains the queue and waits for the workers.
func (r *Resolver) Start(ctx context.Context) (stopFunc func(), err error) {
	r.queue.Start(ctx)
	return r.queue.Stop, nil
}

// Resolve implements the pinned-fetch contract: it deterministically maps a
// pin to a verified artifact. The zero value of opts is valid.
//
// Errors are of type *fetch.RetrievalError, *fetch.IntegrityError or
// *artifact.ImportError and are propagated unmodified.
func (r *Resolver) Resolve(ctx context.Context, pin api.Pin, opts api.ResolveOptions) (*artifact.Artifact, error) {
	digest, err := r.resolveDigest(ctx, pin, opts)
	if err != nil {
		return nil, err
	}

	if opts.Destination == api.DestinationRemote {
		if err := r.pushToRemote(ctx, digest); err != nil {
			return nil, err
		}
	}

	return artifact.New(digest, r.digestFunction, r.localStore), nil
}

// EnqueueResolve schedules a resolution on the background workers.
// Callbacks are invoked with the result when the resolution finishes.
func (r *Resolver) EnqueueResolve(pin api.Pin, opts api.ResolveOptions, callbacks ...func(api.Pin, *artifact.Artifact, error)) {
	wrapped := make([]func(resolveRequest, *artifact.Artifact, error), len(callbacks))
	for i, callback := range callbacks {
		wrapped[i] = func(req resolveRequest, a *artifact.Artifact, err error) {
			callback(req.pin, a, err)
		}
	}
	r.queue.Enqueue(resolveRequest{pin: pin, opts: opts}, wrapped...)
}

func (r *Resolver) handleResolve(ctx context.Context, req resolveRequest) (*artifact.Artifact, error) {
	return r.Resolve(ctx, req.pin, req.opts)
}

type resolveRequest struct {
	pin  api.Pin
	opts api.ResolveOptions
}

func (r *Resolver) resolveDigest(ctx context.Context, pin api.Pin, opts api.ResolveOptions) (integrity.Digest, error) {
	if pin.Integrity.Empty() {
		return integrity.Digest{}, errors.New("resolving pin: no checksums to validate")
	}

	if !opts.SkipStore {
		if digest, ok := r.lookupLocal(pin); ok {
			logging.Debugf("store short-circuit for %s", digest.Hex(r.digestFunction))
			return digest, nil
		}
		if digest, ok := r.copyFromRemote(ctx, pin); ok {
			return digest, nil
		}
	}

	digest, err := r.fetcher.FetchPin(ctx, r.timeout, pin, r.digestFunction)
	if err != nil {
		return integrity.Digest{}, err
	}
	r.checksumCache.PutIntegrity(pin.Integrity, digest)
	return digest, nil
}

// lookupLocal checks the local store for a verified artifact matching the
// pin's checksum for the digest function. No network I/O is performed.
func (r *Resolver) lookupLocal(pin api.Pin) (integrity.Digest, bool) {
	checksum, ok := pin.Integrity.ChecksumForAlgorithm(r.digestFunction)
	if !ok {
		// the store is keyed by the digest function; try the in-process
		// cache, which may have learned the digest from another algorithm
		if digest, ok := r.checksumCache.FromIntegrity(pin.Integrity); ok {
			checksum = integrity.ChecksumFromDigest(digest, r.digestFunction)
		} else {
			return integrity.Digest{}, false
		}
	}
	sizeBytes, ok := r.localStore.Contains(checksum)
	if !ok {
		return integrity.Digest{}, false
	}
	digest := integrity.NewDigest(checksum.Hash, sizeBytes, r.digestFunction)
	r.checksumCache.PutIntegrity(pin.Integrity, digest)
	return digest, true
}

// copyFromRemote tries to satisfy the pin from the shared remote store.
// The copied bytes are re-verified by the local store's staging finalizer
// before they become visible.
func (r *Resolver) copyFromRemote(ctx context.Context, pin api.Pin) (integrity.Digest, bool) {
	if r.remoteStore == nil {
		return integrity.Digest{}, false
	}
	digest, ok := r.knownDigest(pin)
	if !ok {
		// without a known size there is no digest to ask the remote for
		return integrity.Digest{}, false
	}

	missing, err := r.remoteStore.FindMissingBlobs(ctx, []integrity.Digest{digest}, r.digestFunction)
	if err != nil {
		logging.Warningf("querying remote store: %v", err)
		return integrity.Digest{}, false
	}
	if len(missing) > 0 {
		return integrity.Digest{}, false
	}

	remoteReader, err := r.remoteStore.ReadStream(ctx, digest, r.digestFunction, 0, 0)
	if err != nil {
		logging.Warningf("reading from remote store: %v", err)
		return integrity.Digest{}, false
	}
	defer remoteReader.Close()

	localWriter, err := r.localStore.WriteStream(ctx, digest, r.digestFunction)
	if err != nil {
		logging.Warningf("staging remote blob locally: %v", err)
		return integrity.Digest{}, false
	}
	if _, err := io.Copy(localWriter, remoteReader); err != nil {
		localWriter.Close()
		logging.Warningf("copying remote blob: %v", err)
		return integrity.Digest{}, false
	}
	if err := localWriter.Close(); err != nil {
		// the staged bytes failed digest validation or could not be
		// finalized; fall back to a fresh retrieval
		logging.Warningf("finalizing remote blob: %v", err)
		return integrity.Digest{}, false
	}

	logging.Debugf("copied %s from remote store", digest.Hex(r.digestFunction))
	r.checksumCache.PutIntegrity(pin.Integrity, digest)
	return digest, true
}

func (r *Resolver) knownDigest(pin api.Pin) (integrity.Digest, bool) {
	if digest, ok := r.checksumCache.FromIntegrity(pin.Integrity); ok {
		return digest, true
	}
	checksum, ok := pin.Integrity.ChecksumForAlgorithm(r.digestFunction)
	if !ok || pin.SizeHint < 0 {
		return integrity.Digest{}, false
	}
	return integrity.NewDigest(checksum.Hash, pin.SizeHint, r.digestFunction), true
}

func (r *Resolver) pushToRemote(ctx context.Context, digest integrity.Digest) error {
	if r.remoteStore == nil {
		return errors.New("no remote store configured")
	}
	missing, err := r.remoteStore.FindMissingBlobs(ctx, []integrity.Digest{digest}, r.digestFunction)
	if err != nil {
		return fmt.Errorf("querying remote store: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	reader, err := r.localStore.ReadStream(ctx, digest, r.digestFunction, 0, 0)
	if err != nil {
		return err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	_, err = r.remoteStore.BatchUpdateBlobs(ctx, store.DigestsAndData{{Digest: digest, Data: data}}, r.digestFunction)
	if err != nil {
		return fmt.Errorf("uploading to remote store: %w", err)
	}
	return nil
}

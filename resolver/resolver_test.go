package resolver_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/artifact"
	"github.com/srcpin/srcpin/fetch"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/resolver"
	"github.com/srcpin/srcpin/store"
)

var archivePayload = []byte("deterministic pinned bytes")

func newResolver(t *testing.T) (*resolver.Resolver, *store.Disk) {
	t.Helper()
	disk, err := store.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := fetch.New(disk, &http.Client{})
	return resolver.New(disk, nil, fetcher, integrity.NewCache(), integrity.SHA256, time.Minute), disk
}

func pinFor(url string, payload []byte) api.Pin {
	sum := sha256.Sum256(payload)
	return api.Pin{
		URLs:      []string{url},
		Integrity: integrity.IntegrityFromChecksums(integrity.Checksum{Algorithm: integrity.SHA256, Hash: sum[:]}),
		SizeHint:  -1,
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, _ := newResolver(t)
	pin := pinFor(server.URL, archivePayload)

	first, err := r.Resolve(context.Background(), pin, api.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(context.Background(), pin, api.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Digest.Equals(second.Digest, integrity.SHA256) {
		t.Fatal("repeated resolutions must yield the same artifact")
	}
}

func TestResolveShortCircuitsStore(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, _ := newResolver(t)
	pin := pinFor(server.URL, archivePayload)

	if _, err := r.Resolve(context.Background(), pin, api.ResolveOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), pin, api.ResolveOptions{}); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected exactly one network retrieval, got %d", requests.Load())
	}
}

// A pin may carry only a checksum of a secondary algorithm. The first
// resolution learns the digest of the configured digest function, and
// repeated resolutions must short-circuit against the store instead of
// retrieving again.
func TestResolveShortCircuitsStoreForSecondaryAlgorithmPin(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, disk := newResolver(t)
	sum512 := sha512.Sum512(archivePayload)
	pin := api.Pin{
		URLs:      []string{server.URL},
		Integrity: integrity.IntegrityFromChecksums(integrity.Checksum{Algorithm: integrity.SHA512, Hash: sum512[:]}),
		SizeHint:  -1,
	}

	first, err := r.Resolve(context.Background(), pin, api.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(context.Background(), pin, api.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected exactly one network retrieval, got %d", requests.Load())
	}
	if !first.Digest.Equals(second.Digest, integrity.SHA256) {
		t.Fatal("repeated resolutions must yield the same artifact")
	}
	// the digest learned from the fetch is the sha256 digest, and the
	// blob must be addressable by it in the store
	sum256 := sha256.Sum256(archivePayload)
	checksum := integrity.ChecksumFromDigest(first.Digest, integrity.SHA256)
	if !bytes.Equal(checksum.Hash, sum256[:]) {
		t.Fatalf("expected the content's sha256 hash, got %x", checksum.Hash)
	}
	if _, ok := disk.Contains(checksum); !ok {
		t.Fatal("the verified blob must be stored under its sha256 checksum")
	}
}

func TestResolveSkipStoreForcesRefetch(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, _ := newResolver(t)
	pin := pinFor(server.URL, archivePayload)

	if _, err := r.Resolve(context.Background(), pin, api.ResolveOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), pin, api.ResolveOptions{SkipStore: true}); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected two network retrievals, got %d", requests.Load())
	}
}

func TestResolveUnreachableLeavesStoreUnmodified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	r, disk := newResolver(t)
	pin := pinFor(server.URL, archivePayload)

	if _, err := r.Resolve(context.Background(), pin, api.ResolveOptions{}); err == nil {
		t.Fatal("expected resolution to fail")
	}
	checksum, _ := pin.Integrity.ChecksumForAlgorithm(integrity.SHA256)
	if _, ok := disk.Contains(checksum); ok {
		t.Fatal("a failed retrieval must not modify the store")
	}
}

func TestResolveRemoteDestinationWithoutRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, _ := newResolver(t)
	pin := pinFor(server.URL, archivePayload)

	_, err := r.Resolve(context.Background(), pin, api.ResolveOptions{Destination: api.DestinationRemote})
	if err == nil {
		t.Fatal("pushing to a missing remote store must fail")
	}
}

func TestEnqueueResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archivePayload)
	}))
	defer server.Close()

	r, _ := newResolver(t)
	stop, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	pin := pinFor(server.URL, archivePayload)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 4 {
		wg.Add(1)
		r.EnqueueResolve(pin, api.ResolveOptions{}, func(_ api.Pin, a *artifact.Artifact, err error) {
			defer wg.Done()
			if err != nil || a == nil {
				failures.Add(1)
			}
		})
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Fatalf("%d background resolutions failed", failures.Load())
	}
}

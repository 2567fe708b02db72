package integrity_test

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/srcpin/srcpin/integrity"
)

func TestChecksumFromSRI(t *testing.T) {
	payload := []byte("hello, world\n")
	sum := sha256.Sum256(payload)
	sri := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])

	checksum, err := integrity.ChecksumFromSRI(sri)
	if err != nil {
		t.Fatal(err)
	}
	if checksum.Algorithm != integrity.SHA256 {
		t.Fatalf("expected sha256, got %s", checksum.Algorithm)
	}
	if !bytes.Equal(checksum.Hash, sum[:]) {
		t.Fatalf("hash mismatch: %x != %x", checksum.Hash, sum)
	}
	if checksum.ToSRI() != sri {
		t.Fatalf("sri round trip: %s != %s", checksum.ToSRI(), sri)
	}
}

func TestChecksumFromHex(t *testing.T) {
	payload := []byte("hello, world\n")
	sum := sha256.Sum256(payload)

	checksum, err := integrity.ParseChecksum("sha256:" + integrity.Checksum{Algorithm: integrity.SHA256, Hash: sum[:]}.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(checksum.Hash, sum[:]) {
		t.Fatalf("hash mismatch: %x != %x", checksum.Hash, sum)
	}
}

func TestChecksumParseErrors(t *testing.T) {
	for _, tc := range []string{
		"",
		"sha256",
		"md5-aaaa",
		"sha256-notbase64!!!",
		"sha256-YWJj", // too short
		"sha256:zzzz",
	} {
		if _, err := integrity.ParseChecksum(tc); err == nil {
			t.Errorf("expected error for %q", tc)
		}
	}
}

func TestParseChecksumUnsupportedAlgorithm(t *testing.T) {
	for _, tc := range []string{
		"md5-aaaa",
		"md5:abcd",
		"blake3-aaaa",
	} {
		_, err := integrity.ParseChecksum(tc)
		if !errors.Is(err, integrity.ErrUnsupportedAlgorithm) {
			t.Errorf("expected ErrUnsupportedAlgorithm for %q, got %v", tc, err)
		}
	}
}

func TestBestSingleChecksum(t *testing.T) {
	sum256 := sha256.Sum256([]byte("x"))
	sum512 := sha512.Sum512([]byte("x"))
	c256 := integrity.Checksum{Algorithm: integrity.SHA256, Hash: sum256[:]}
	c512 := integrity.Checksum{Algorithm: integrity.SHA512, Hash: sum512[:]}

	// prefers the requested algorithm when present
	both := integrity.IntegrityFromChecksums(c256, c512)
	if best, ok := both.BestSingleChecksum(integrity.SHA512); !ok || best.Algorithm != integrity.SHA512 {
		t.Fatalf("expected the sha512 checksum, got %v", best.Algorithm)
	}
	// falls back to another algorithm otherwise
	only512 := integrity.IntegrityFromChecksums(c512)
	if best, ok := only512.BestSingleChecksum(integrity.SHA256); !ok || best.Algorithm != integrity.SHA512 {
		t.Fatalf("expected the sha512 fallback, got %v", best.Algorithm)
	}
	if _, ok := (integrity.Integrity{}).BestSingleChecksum(integrity.SHA256); ok {
		t.Fatal("empty integrity has no checksum")
	}
}

func TestIntegrityFromStringConflict(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	sriA := "sha256-" + base64.StdEncoding.EncodeToString(a[:])
	sriB := "sha256-" + base64.StdEncoding.EncodeToString(b[:])

	if _, err := integrity.IntegrityFromString(sriA, sriB); err == nil {
		t.Fatal("expected conflicting checksums to be rejected")
	}
	// the same checksum twice is fine
	if _, err := integrity.IntegrityFromString(sriA, sriA); err != nil {
		t.Fatal(err)
	}
}

func TestIntegrityEquivalent(t *testing.T) {
	payload := []byte("payload")
	sum := sha256.Sum256(payload)
	checksum := integrity.Checksum{Algorithm: integrity.SHA256, Hash: sum[:]}
	i := integrity.IntegrityFromChecksums(checksum)

	if !i.Equivalent(i) {
		t.Fatal("integrity should be equivalent to itself")
	}
	other := sha256.Sum256([]byte("other"))
	j := integrity.IntegrityFromChecksums(integrity.Checksum{Algorithm: integrity.SHA256, Hash: other[:]})
	if i.Equivalent(j) {
		t.Fatal("different hashes must not be equivalent")
	}
	if i.Equivalent(integrity.Integrity{}) {
		t.Fatal("empty integrity must not be equivalent to anything")
	}
}

func TestDigestCheckContent(t *testing.T) {
	payload := []byte("some pinned archive bytes")
	digest, err := integrity.SHA256.CalculateDigest(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if digest.SizeBytes != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), digest.SizeBytes)
	}

	if err := digest.CheckContent(bytes.NewReader(payload), integrity.SHA256); err != nil {
		t.Fatalf("content should verify: %v", err)
	}
	err = digest.CheckContent(strings.NewReader("tampered"), integrity.SHA256)
	if err == nil {
		t.Fatal("tampered content must not verify")
	}
}

func TestDigestHexRoundTrip(t *testing.T) {
	payload := []byte("round trip")
	digest, err := integrity.SHA256.CalculateDigest(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := integrity.DigestFromHex(digest.Hex(integrity.SHA256), digest.SizeBytes, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if !digest.Equals(parsed, integrity.SHA256) {
		t.Fatal("hex round trip changed the digest")
	}
}

func TestUninitializedDigestNeverEqual(t *testing.T) {
	var zero integrity.Digest
	if zero.Equals(zero, integrity.SHA256) {
		t.Fatal("uninitialized digests must not compare equal")
	}
}

// Package integrity implements the checksum and digest plumbing used to pin
// and verify external artifacts.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"strings"
)

// Digest identifies a blob in the content-addressed store by its hash
// and content size (in bytes).
type Digest struct {
	// Inlined array of bytes representing the hash.
	// This uses the theoretical maximum size of a hash (64 bytes).
	// All public methods correctly handle the actual hash size.
	// The contents of the unused bytes are unspecified and must be ignored.
	hash [64]byte
	// Size of the content in bytes.
	SizeBytes int64
}

func NewDigest(hash []byte, sizeBytes int64, algorithm Algorithm) Digest {
	if len(hash) != algorithm.SizeBytes() {
		panic("hash length does not match algorithm size")
	}
	out := Digest{SizeBytes: sizeBytes}
	copy(out.hash[:], hash)
	return out
}

// DigestFromHex parses a digest from a lowercase hexadecimal hash string.
func DigestFromHex(hexDigest string, sizeBytes int64, algorithm Algorithm) (Digest, error) {
	hash, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to decode hex digest %q: %w", hexDigest, err)
	}
	if len(hash) != algorithm.SizeBytes() {
		return Digest{}, fmt.Errorf("unexpected hash size in hex digest %q: got %d, want %d", hexDigest, len(hash), algorithm.SizeBytes())
	}
	return NewDigest(hash, sizeBytes, algorithm), nil
}

func (d Digest) Equals(other Digest, algorithm Algorithm) bool {
	if d.Uninitialized() || other.Uninitialized() {
		// for safety, uninitialized digests are never equal to anything
		return false
	}
	if d.SizeBytes != other.SizeBytes {
		return false
	}
	return bytes.Equal(d.hash[:algorithm.SizeBytes()], other.hash[:algorithm.SizeBytes()])
}

func (d Digest) Uninitialized() bool {
	return d.SizeBytes == 0 && d.hash == [64]byte{}
}

// CopyHashInto copies the hash into the destination buffer.
// The destination buffer must be at least the size of the hash.
func (d Digest) CopyHashInto(dest []byte, algorithm Algorithm) error {
	sz := algorithm.SizeBytes()
	if len(dest) < sz {
		return fmt.Errorf("destination buffer is too small: got %d, want %d", len(dest), sz)
	}
	copy(dest, d.hash[:sz])
	return nil
}

func (d Digest) Hex(algorithm Algorithm) string {
	return hex.EncodeToString(d.hash[:algorithm.SizeBytes()])
}

// CheckContent re-hashes the given content and fails if it does not
// match the digest (hash or size).
func (d Digest) CheckContent(content io.Reader, algorithm Algorithm) error {
	hasher := algorithm.Hasher()
	n, err := io.Copy(hasher, content)
	if err != nil {
		return err
	}
	if n != d.SizeBytes {
		return fmt.Errorf("content size mismatch: expected %d bytes, got %d", d.SizeBytes, n)
	}
	if !bytes.Equal(hasher.Sum(nil), d.hash[:algorithm.SizeBytes()]) {
		return fmt.Errorf("content hash mismatch: expected %s, got %x", d.Hex(algorithm), hasher.Sum(nil))
	}
	return nil
}

// Checksum is a single checksum of an artifact for a specific algorithm.
// It doesn't contain the size of the contents.
type Checksum struct {
	Algorithm Algorithm
	Hash      []byte
}

// ChecksumFromSRI parses a subresource integrity string of the
// form "<algorithm>-<base64 hash>".
func ChecksumFromSRI(integrity string) (Checksum, error) {
	algorithmName, encodedHash, found := strings.Cut(integrity, "-")
	if !found {
		return Checksum{}, fmt.Errorf("malformed sri %q: expected <algorithm>-<base64>", integrity)
	}
	algorithm, ok := AlgorithmFromString(algorithmName)
	if !ok {
		return Checksum{}, fmt.Errorf("parsing sri %q: %w", integrity, ErrUnsupportedAlgorithm)
	}
	hash, err := base64.StdEncoding.DecodeString(encodedHash)
	if err != nil {
		return Checksum{}, fmt.Errorf("failed to decode sri hash from base64 in %q: %w", integrity, err)
	}
	if len(hash) != algorithm.SizeBytes() {
		return Checksum{}, fmt.Errorf("unexpected hash size in sri %q: got %d, want %d", integrity, len(hash), algorithm.SizeBytes())
	}
	return Checksum{Algorithm: algorithm, Hash: hash}, nil
}

// ChecksumFromHex parses a checksum of the form "<algorithm>:<hex hash>",
// as commonly found in lock files that predate SRI.
func ChecksumFromHex(integrity string) (Checksum, error) {
	algorithmName, encodedHash, found := strings.Cut(integrity, ":")
	if !found {
		return Checksum{}, fmt.Errorf("malformed checksum %q: expected <algorithm>:<hex>", integrity)
	}
	algorithm, ok := AlgorithmFromString(algorithmName)
	if !ok {
		return Checksum{}, fmt.Errorf("parsing checksum %q: %w", integrity, ErrUnsupportedAlgorithm)
	}
	hash, err := hex.DecodeString(encodedHash)
	if err != nil {
		return Checksum{}, fmt.Errorf("failed to decode hex hash in %q: %w", integrity, err)
	}
	if len(hash) != algorithm.SizeBytes() {
		return Checksum{}, fmt.Errorf("unexpected hash size in checksum %q: got %d, want %d", integrity, len(hash), algorithm.SizeBytes())
	}
	return Checksum{Algorithm: algorithm, Hash: hash}, nil
}

// ParseChecksum accepts both the SRI and the "<algorithm>:<hex>" form.
func ParseChecksum(integrity string) (Checksum, error) {
	if strings.ContainsRune(integrity, ':') {
		return ChecksumFromHex(integrity)
	}
	return ChecksumFromSRI(integrity)
}

func ChecksumFromDigest(digest Digest, algorithm Algorithm) Checksum {
	return Checksum{Algorithm: algorithm, Hash: digest.hash[:algorithm.SizeBytes()]}
}

func (c Checksum) ToSRI() string {
	return fmt.Sprintf("%s-%s", c.Algorithm.String(), base64.StdEncoding.EncodeToString(c.Hash))
}

func (c Checksum) Hex() string {
	return hex.EncodeToString(c.Hash)
}

func (c Checksum) Equals(other Checksum) bool {
	return c.Algorithm == other.Algorithm && len(c.Hash) > 0 && len(other.Hash) > 0 && bytes.Equal(c.Hash, other.Hash)
}

// Empty returns true if the checksum is empty.
func (c Checksum) Empty() bool {
	return len(c.Hash) == 0
}

// Integrity holds checksums of the same content for
// multiple algorithms.
// This representation is not space-efficient, but it doesn't require
// additional allocations for each checksum.
type Integrity struct {
	sha256 Checksum
	sha384 Checksum
	sha512 Checksum
}

func (i Integrity) Empty() bool {
	return i.sha256.Hash == nil && i.sha384.Hash == nil && i.sha512.Hash == nil
}

func (i Integrity) Items() iter.Seq[Checksum] {
	return func(yield func(Checksum) bool) {
		for _, algorithm := range KnownAlgorithms {
			if checksum, ok := i.ChecksumForAlgorithm(algorithm); ok {
				if !yield(checksum) {
					return
				}
			}
		}
	}
}

// Equivalent returns true if the two Integrity objects agree on every
// algorithm present in both, and share at least one algorithm.
// An object with no checksums is unequal to any other object.
func (i Integrity) Equivalent(other Integrity) bool {
	if i.Empty() || other.Empty() {
		return false
	}
	var matchingChecksums int
	for _, algorithm := range KnownAlgorithms {
		mine, ok := i.ChecksumForAlgorithm(algorithm)
		if !ok {
			continue
		}
		theirs, ok := other.ChecksumForAlgorithm(algorithm)
		if !ok {
			continue
		}
		matchingChecksums++
		if !bytes.Equal(mine.Hash, theirs.Hash) {
			return false
		}
	}
	return matchingChecksums > 0
}

func IntegrityFromString(integrity ...string) (Integrity, error) {
	out := Integrity{}
	for i, raw := range integrity {
		c, err := ParseChecksum(raw)
		if err != nil {
			return Integrity{}, fmt.Errorf("parsing integrity string %d: %w", i, err)
		}
		if existing, ok := out.ChecksumForAlgorithm(c.Algorithm); ok && !existing.Equals(c) {
			return Integrity{}, fmt.Errorf("conflicting %s checksums in integrity strings", c.Algorithm)
		}
		out.setChecksum(c)
	}
	return out, nil
}

func IntegrityFromChecksums(checksums ...Checksum) Integrity {
	i := Integrity{}
	for _, c := range checksums {
		i.setChecksum(c)
	}
	return i
}

func (i *Integrity) setChecksum(c Checksum) {
	switch c.Algorithm {
	case SHA256:
		i.sha256 = c
	case SHA384:
		i.sha384 = c
	case SHA512:
		i.sha512 = c
	}
}

func (i Integrity) ChecksumForAlgorithm(alg Algorithm) (Checksum, bool) {
	switch alg {
	case SHA256:
		return i.sha256, i.sha256.Hash != nil
	case SHA384:
		return i.sha384, i.sha384.Hash != nil
	case SHA512:
		return i.sha512, i.sha512.Hash != nil
	}
	return Checksum{}, false
}

// BestSingleChecksum returns the best single checksum (with preference for the given algorithm).
func (i Integrity) BestSingleChecksum(alg Algorithm) (Checksum, bool) {
	// Always prefer the algorithm used for store digests
	if c, ok := i.ChecksumForAlgorithm(alg); ok {
		return c, true
	}

	// Otherwise, we prefer SHA256 (most widely supported)
	if c, ok := i.ChecksumForAlgorithm(SHA256); ok {
		return c, true
	}

	// Otherwise, the most secure remaining option
	if c, ok := i.ChecksumForAlgorithm(SHA512); ok {
		return c, true
	}

	if c, ok := i.ChecksumForAlgorithm(SHA384); ok {
		return c, true
	}
	return Checksum{}, false
}

type Algorithm struct{ name string }

func (a Algorithm) String() string { return a.name }

func AlgorithmFromString(name string) (Algorithm, bool) {
	switch strings.ToLower(name) {
	case "sha256":
		return SHA256, true
	case "sha384":
		return SHA384, true
	case "sha512":
		return SHA512, true
	}
	return Algorithm{}, false
}

func (a Algorithm) SizeBytes() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// Hasher returns a fresh hash.Hash for the algorithm.
func (a Algorithm) Hasher() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// Identifier returns a single byte uniquely identifying the algorithm.
// It is used to build cache keys that mix algorithms.
func (a Algorithm) Identifier() byte {
	switch a {
	case SHA256:
		return 1
	case SHA384:
		return 2
	case SHA512:
		return 3
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// CalculateDigest consumes the reader and returns the digest of its contents.
func (a Algorithm) CalculateDigest(content io.Reader) (Digest, error) {
	hasher := a.Hasher()
	n, err := io.Copy(hasher, content)
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(hasher.Sum(nil), n, a), nil
}

var (
	SHA256          Algorithm = Algorithm{"sha256"}
	SHA384          Algorithm = Algorithm{"sha384"}
	SHA512          Algorithm = Algorithm{"sha512"}
	KnownAlgorithms           = []Algorithm{SHA256, SHA384, SHA512}
)

var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

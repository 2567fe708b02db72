package integrity

import (
	"sync"
)

// ChecksumCache maps checksums to digests of the main digest function.
// The key can be of any hash function, as long as it can be padded to 64
// bytes. One byte is reserved for the identifier of the algorithm. The
// value is always a digest for the main digest function, regardless of
// the key's algorithm. It is safe for concurrent use.
type ChecksumCache struct {
	shards [shardCount]map[[65]byte]Digest
	muxs   [shardCount]sync.RWMutex
}

func NewCache() *ChecksumCache {
	cache := &ChecksumCache{shards: [shardCount]map[[65]byte]Digest{}}
	for i := range cache.shards {
		cache.shards[i] = make(map[[65]byte]Digest)
	}
	return cache
}

func (c *ChecksumCache) GetSlice(hash []byte, identifier byte) (Digest, bool) {
	if len(hash) == 0 {
		return Digest{}, false
	}
	shard := hash[0] & shardMask
	c.muxs[shard].RLock()
	defer c.muxs[shard].RUnlock()

	digest, ok := c.shards[shard][cacheKey(hash, identifier)]
	return digest, ok
}

func (c *ChecksumCache) PutSlice(hash []byte, identifier byte, digest Digest) {
	if len(hash) == 0 {
		return
	}
	shard := hash[0] & shardMask
	c.muxs[shard].Lock()
	defer c.muxs[shard].Unlock()

	c.shards[shard][cacheKey(hash, identifier)] = digest
}

func (c *ChecksumCache) FromIntegrity(integrity Integrity) (Digest, bool) {
	for checksum := range integrity.Items() {
		digest, ok := c.GetSlice(checksum.Hash, checksum.Algorithm.Identifier())
		if ok {
			return digest, true
		}
	}
	return Digest{}, false
}

func (c *ChecksumCache) FromChecksum(checksum Checksum) (Digest, bool) {
	return c.GetSlice(checksum.Hash, checksum.Algorithm.Identifier())
}

// PutIntegrity records the learned digest (for the main digest function)
// under every checksum of the integrity object, so content pinned by any
// algorithm can later be addressed by the main digest function.
func (c *ChecksumCache) PutIntegrity(integrity Integrity, digest Digest) {
	for checksum := range integrity.Items() {
		c.PutSlice(checksum.Hash, checksum.Algorithm.Identifier(), digest)
	}
}

func cacheKey(hash []byte, identifier byte) [65]byte {
	var key [65]byte
	copy(key[:64], hash)
	key[64] = identifier
	return key
}

const (
	shardCount = 2 << 7
	shardMask  = shardCount - 1
)

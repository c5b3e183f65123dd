package span

import (
	"crypto/sha256"
	"fmt"
	"log"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

// TransformRecord is the cached outcome of one file transform.
type TransformRecord struct {
	// Source is the serialized transformed program.
	Source []byte `msgpack:"s"`
	// Stats reports what the recorded pass did.
	Stats TransformStats `msgpack:"st"`
}

// TransformCacheKey derives a stable key from the source bytes and the
// file's configuration. Any change to either produces a different key, so
// stale entries are never served; they simply stop being referenced.
func TransformCacheKey(src []byte, cfg FileConfig) string {
	h := sha256.New()
	h.Write(src)
	if cfgBytes, err := msgpack.Marshal(cfg); err == nil {
		h.Write(cfgBytes)
	} else {
		h.Write([]byte(fmt.Sprint(cfg)))
	}
	return base91.StdEncoding.EncodeToString(h.Sum(nil))
}

// TransformCache keeps transform results across runs: a ristretto hot layer
// in front of a persistent Storage. Records are msgpack encoded and snappy
// compressed at the storage boundary.
type TransformCache struct {
	store Storage
	hot   *ristretto.Cache[string, *TransformRecord]
}

// NewTransformCache builds a cache over store. The cache assumes ownership
// of store; Close releases both layers.
func NewTransformCache(store Storage) (*TransformCache, error) {
	hot, err := ristretto.NewCache(&ristretto.Config[string, *TransformRecord]{
		NumCounters: 1 << 14,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	return &TransformCache{
		store: KeyPrefixStorage(store, "transform"),
		hot:   hot,
	}, nil
}

// Get returns the cached record for key when present in either layer.
func (c *TransformCache) Get(key string) (*TransformRecord, bool) {
	if rec, ok := c.hot.Get(key); ok && rec != nil {
		return rec, true
	}
	blob, found, err := c.store.Get(key)
	if err != nil {
		log.Printf("%sTransform cache read failed: %v", ErrorLogPrefix, err)
		return nil, false
	} else if !found {
		return nil, false
	}
	decoded, err := SnappyDecompress(nil, blob)
	if err != nil {
		log.Printf("%sTransform cache decode failed: %v", ErrorLogPrefix, err)
		return nil, false
	}
	var rec TransformRecord
	if err := msgpack.Unmarshal(decoded, &rec); err != nil {
		log.Printf("%sTransform cache decode failed: %v", ErrorLogPrefix, err)
		return nil, false
	}
	c.hot.Set(key, &rec, int64(len(rec.Source)))
	return &rec, true
}

// Put stores rec in both layers. Failures are logged, not returned: the
// cache is advisory and must never block a transform.
func (c *TransformCache) Put(key string, rec *TransformRecord) {
	c.hot.Set(key, rec, int64(len(rec.Source)))
	encoded, err := msgpack.Marshal(rec)
	if err != nil {
		log.Printf("%sTransform cache encode failed: %v", ErrorLogPrefix, err)
		return
	}
	if err := c.store.Put(key, SnappyCompress(nil, encoded)); err != nil {
		log.Printf("%sTransform cache write failed: %v", ErrorLogPrefix, err)
	}
}

// Wait blocks until pending hot layer writes are visible, for callers that
// need read-after-write behavior.
func (c *TransformCache) Wait() {
	c.hot.Wait()
}

// Close releases the hot layer and the underlying store.
func (c *TransformCache) Close() {
	c.hot.Close()
	c.store.Close()
}

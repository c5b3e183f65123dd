package span

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Storage persists transform cache blobs.
type Storage interface {
	Put(key string, blob []byte) error
	// Get returns the stored blob and whether the key was present.
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// Keys returns all keys in the store that begin with the given prefix.
	Keys(prefix string) ([]string, error)
	Clear() error
	Close()
}

// KeyPrefixStorage wraps another Storage, prepending a fixed prefix to all
// keys. Its Keys method strips the prefix before returning.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) Put(key string, blob []byte) error {
	return p.store.Put(p.prefix+key, blob)
}

func (p *prefixStorage) Get(key string) ([]byte, bool, error) {
	return p.store.Get(p.prefix + key)
}

func (p *prefixStorage) Delete(key string) error {
	return p.store.Delete(p.prefix + key)
}

func (p *prefixStorage) Keys(prefix string) ([]string, error) {
	underlying, err := p.store.Keys(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(underlying))
	for i, k := range underlying {
		stripped[i] = strings.TrimPrefix(k, p.prefix)
	}
	return stripped, nil
}

func (p *prefixStorage) Clear() error {
	keys, err := p.Keys("")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixStorage) Close() {
	p.store.Close()
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), blob...) // copy the blob to avoid external mutation
	return nil
}

func (m *memStorage) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {
	// no resources to free
}

// Stored values carry a one byte marker so compression can be decided per
// value without a second lookup.
const (
	blobRaw  byte = 0
	blobZstd byte = 1
)

// badgerCompressThreshold is the value size where zstd starts paying for
// itself; smaller blobs are stored raw.
const badgerCompressThreshold = 512

type badgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens a Badger-backed Storage rooted at path, creating
// the directory as needed. The store persists across Close so cached
// transforms survive separate runs.
func NewBadgerStorage(path string) (Storage, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithCompression(options.None). // values are compressed explicitly on write
		WithDetectConflicts(false).
		WithNumMemtables(2).
		WithMemTableSize(16 << 20).
		WithLoggingLevel(badger.ERROR).
		WithMetricsEnabled(false)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	return &badgerStorage{db: db}, nil
}

func (b *badgerStorage) Put(key string, blob []byte) error {
	store := make([]byte, 1, 1+len(blob))
	store[0] = blobRaw
	if len(blob) >= badgerCompressThreshold {
		if compressed := ZstdCompress(nil, blob); len(compressed) < len(blob) {
			store[0] = blobZstd
			store = append(store, compressed...)
		} else {
			store = append(store, blob...)
		}
	} else {
		store = append(store, blob...)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), store)
	})
}

func (b *badgerStorage) Get(key string) ([]byte, bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil || raw == nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("malformed value for key %q", key)
	}
	switch raw[0] {
	case blobZstd:
		decompressed, err := ZstdDecompress(nil, raw[1:])
		if err != nil {
			return nil, false, fmt.Errorf("decompress value for key %q: %w", key, err)
		}
		return decompressed, true, nil
	default:
		return raw[1:], true, nil
	}
}

func (b *badgerStorage) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Clear() error {
	return b.db.DropAll()
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
}

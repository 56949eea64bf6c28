// Package kvstore is the disk-resident key-value backing for the promise
// store. It wraps github.com/cockroachdb/pebble, an embedded ordered,
// hash-indexed LSM store, behind the options surface described by
// spec.md section 6 (path, preallocate, deleteOnDispose, hashIndexSize).
//
// Keys are the 12-byte fixed PromiseID encoding (pkg/promiseid). Values
// are length-prefixed schema-tagged blobs (see Blob in this package).
// Maximum value length is 2^24 bytes; oversize values are rejected before
// they ever reach Pebble.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// MaxValueLen is the hard cap on a persisted promise blob: 2^24 bytes
// (16 MiB minus the 4-byte length prefix fits comfortably under this).
const MaxValueLen = 1 << 24

// Options mirror spec.md section 6's configuration surface.
type Options struct {
	// Path is the filesystem path for the log device. Empty means
	// memory-only (an in-memory Pebble instance, no files touched).
	Path string
	// Preallocate pre-sizes the log device.
	Preallocate bool
	// DeleteOnDispose unlinks backing files on teardown.
	DeleteOnDispose bool
	// HashIndexSize is the number of entries in the in-memory hash
	// index, clamped to [256, 2^40]. It is passed through to Pebble as a
	// block-cache sizing hint (each entry approximated at 256 bytes).
	HashIndexSize int64
}

const (
	minHashIndexSize = 256
	maxHashIndexSize = 1 << 40
)

// clampHashIndexSize enforces the [256, 2^40] bound from spec.md section 6.
func clampHashIndexSize(n int64) int64 {
	if n < minHashIndexSize {
		return minHashIndexSize
	}
	if n > maxHashIndexSize {
		return maxHashIndexSize
	}
	return n
}

// DefaultOptions returns sensible defaults for a memory-only store.
var DefaultOptions = Options{
	HashIndexSize: 1 << 16,
}

// Store is the on-disk promise blob store.
type Store struct {
	db      *pebble.DB
	opts    Options
	dirPath string
}

// Open opens (or creates) the store described by opts.
func Open(opts Options) (*Store, error) {
	opts.HashIndexSize = clampHashIndexSize(opts.HashIndexSize)
	cacheBytes := opts.HashIndexSize * 256
	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(cacheBytes),
	}
	var dirPath string
	if opts.Path == "" {
		pebbleOpts.FS = vfsMemFilesystem()
		dirPath = "/memory"
	} else {
		dirPath = opts.Path
		if opts.Preallocate {
			if err := os.MkdirAll(dirPath, 0o755); err != nil {
				return nil, fmt.Errorf("kvstore: preallocate mkdir: %w", err)
			}
		}
	}
	db, err := pebble.Open(dirPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", dirPath, err)
	}
	return &Store{db: db, opts: opts, dirPath: dirPath}, nil
}

// Close flushes and closes the store, unlinking backing files if
// DeleteOnDispose is set.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.opts.DeleteOnDispose && s.opts.Path != "" {
		if rmErr := os.RemoveAll(s.opts.Path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Get returns the raw value stored at key, or ok=false if absent.
func (s *Store) Get(key [12]byte) (value []byte, ok bool, err error) {
	v, closer, err := s.db.Get(key[:])
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get: %w", err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// Set stores value at key. value must already be length-prefixed and
// schema-tagged by the caller (see EncodeBlob); Set itself only enforces
// the size cap.
func (s *Store) Set(key [12]byte, value []byte) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("kvstore: value length %d exceeds max %d", len(value), MaxValueLen)
	}
	if err := s.db.Set(key[:], value, pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key [12]byte) error {
	if err := s.db.Delete(key[:], pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// EncodeBlob wraps a schema-tagged payload in the on-disk record layout:
// a 4-byte little-endian total length followed by the tag byte and the
// payload.
func EncodeBlob(schemaTag uint8, payload []byte) ([]byte, error) {
	total := 1 + len(payload)
	if total > MaxValueLen {
		return nil, fmt.Errorf("kvstore: blob length %d exceeds max %d", total, MaxValueLen)
	}
	buf := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = schemaTag
	copy(buf[5:], payload)
	return buf, nil
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(raw []byte) (schemaTag uint8, payload []byte, err error) {
	if len(raw) < 5 {
		return 0, nil, fmt.Errorf("kvstore: blob too short: %d bytes", len(raw))
	}
	total := binary.LittleEndian.Uint32(raw[0:4])
	if int(total)+4 != len(raw) {
		return 0, nil, fmt.Errorf("kvstore: blob length mismatch: header says %d, got %d", total, len(raw)-4)
	}
	return raw[4], raw[5:], nil
}

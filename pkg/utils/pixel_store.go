// Package utils provides shared infrastructure for the DVS stream tools.
package utils

import (
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// PixelStore is a persistent set of sensor pixel coordinates backed by
// badger, used to remember hot (stuck/noisy) pixels across sessions. Keys
// are the packed x/y coordinate; values carry a one-byte marker.
type PixelStore struct {
	db    *badger.DB
	cache sync.Map
}

// PixelKey packs a coordinate pair into the store's key format.
func PixelKey(x, y uint16) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint16(key[0:2], x)
	binary.BigEndian.PutUint16(key[2:4], y)
	return key
}

// OpenPixelStore opens (or creates) the store at path.
func OpenPixelStore(path string) (*PixelStore, error) {
	opts := badger.DefaultOptions(path)
	// Decrease logging verbosity
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &PixelStore{db: db}, nil
}

func (s *PixelStore) Close() error {
	return s.db.Close()
}

// Mark records a single pixel.
func (s *PixelStore) Mark(x, y uint16) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(PixelKey(x, y), []byte{1})
	})
	if err == nil {
		s.cache.Store(uint32(x)<<16|uint32(y), true)
	}
	return err
}

// BatchMark records many pixels in one write batch.
func (s *PixelStore) BatchMark(pixels [][2]uint16) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, p := range pixels {
		if err := wb.Set(PixelKey(p[0], p[1]), []byte{1}); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	for _, p := range pixels {
		s.cache.Store(uint32(p[0])<<16|uint32(p[1]), true)
	}
	return nil
}

// Has reports whether a pixel is marked. Hits are cached in memory so the
// receive path never pays a disk read twice for the same pixel.
func (s *PixelStore) Has(x, y uint16) (bool, error) {
	ck := uint32(x)<<16 | uint32(y)
	if v, ok := s.cache.Load(ck); ok {
		return v.(bool), nil
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(PixelKey(x, y))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err == nil {
		s.cache.Store(ck, found)
	}
	return found, err
}

// ForEach visits every marked pixel.
func (s *PixelStore) ForEach(fn func(x, y uint16) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(k) != 4 {
				continue
			}
			x := binary.BigEndian.Uint16(k[0:2])
			y := binary.BigEndian.Uint16(k[2:4])
			if err := fn(x, y); err != nil {
				return err
			}
		}
		return nil
	})
}

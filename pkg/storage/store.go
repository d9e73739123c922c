// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"encoding/json"
	"sync"

	"github.com/luxfi/bazaar/pkg/errs"
)

// Store layers row-level locking, typed rows, and unique indexes on top of
// the raw KV Storage. Every domain service (Order, Logistics, Trust,
// Governance, ...) is constructed with a *Store and keeps its rows in its
// own table namespace.
type Store struct {
	kv    *Storage
	locks sync.Map // lock key (string) -> *sync.Mutex
}

// NewStore wraps a Storage with locking and typed-row helpers.
func NewStore(kv *Storage) *Store {
	return &Store{kv: kv}
}

// Lock acquires a per-key critical section, the in-process equivalent of a
// row-level SELECT ... FOR UPDATE, held for the duration of a composite
// operation. The returned func releases it; callers must defer it
// immediately.
func (s *Store) Lock(key string) func() {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func rowKey(table, id string) []byte {
	return []byte(table + "/" + id)
}

func indexKey(table, index, value string) []byte {
	return []byte(table + "/_idx/" + index + "/" + value)
}

// Put writes a JSON-encoded row.
func Put[T any](s *Store, table, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal row")
	}
	if err := s.kv.Put(rowKey(table, id), b); err != nil {
		return errs.Wrap(errs.Internal, err, "write row")
	}
	return nil
}

// Get reads and decodes a JSON row. The second return is false if the row
// does not exist.
func Get[T any](s *Store, table, id string) (T, bool, error) {
	var zero T
	has, err := s.kv.Has(rowKey(table, id))
	if err != nil {
		return zero, false, errs.Wrap(errs.Internal, err, "check row")
	}
	if !has {
		return zero, false, nil
	}
	b, err := s.kv.Get(rowKey(table, id))
	if err != nil {
		return zero, false, errs.Wrap(errs.Internal, err, "read row")
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false, errs.Wrap(errs.Internal, err, "unmarshal row")
	}
	return out, true, nil
}

// Delete removes a row.
func (s *Store) Delete(table, id string) error {
	if err := s.kv.Delete(rowKey(table, id)); err != nil {
		return errs.Wrap(errs.Internal, err, "delete row")
	}
	return nil
}

// Scan decodes every row in table whose id has the given prefix (empty
// prefix scans the whole table). Order is not guaranteed; callers sort.
func Scan[T any](s *Store, table, prefix string) ([]T, error) {
	it := s.kv.NewIteratorWithPrefix([]byte(table + "/" + prefix))
	defer it.Release()

	var out []T
	for it.Next() {
		key := string(it.Key())
		if len(key) > len(table)+5 && key[len(table)+1:len(table)+6] == "_idx/" {
			continue // skip index rows mixed into the same prefix space
		}
		var v T
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal scanned row")
		}
		out = append(out, v)
	}
	if err := it.Error(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "scan table")
	}
	return out, nil
}

// ClaimUnique atomically reserves a unique index entry mapping
// (table, index, value) -> id, serialized on the index key itself. It
// fails with Conflict if the value is already claimed by a different id.
// This models unique and unique-partial indexes: order_number,
// tracking_number, one pending quote per (order, provider), one accepted
// quote per order, one shipment per order.
func (s *Store) ClaimUnique(table, index, value, id string) error {
	unlock := s.Lock("_uniq/" + table + "/" + index + "/" + value)
	defer unlock()

	key := indexKey(table, index, value)
	has, err := s.kv.Has(key)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "check unique index")
	}
	if has {
		existing, err := s.kv.Get(key)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "read unique index")
		}
		if string(existing) != id {
			return errs.Newf(errs.Conflict, "%s.%s=%q already claimed", table, index, value)
		}
		return nil
	}
	if err := s.kv.Put(key, []byte(id)); err != nil {
		return errs.Wrap(errs.Internal, err, "write unique index")
	}
	return nil
}

// ReleaseUnique frees a unique index slot, e.g. when a pending quote is
// rejected and another provider may later occupy the "pending" slot for the
// same (order, provider) pair.
func (s *Store) ReleaseUnique(table, index, value string) error {
	if err := s.kv.Delete(indexKey(table, index, value)); err != nil {
		return errs.Wrap(errs.Internal, err, "release unique index")
	}
	return nil
}

// LookupUnique returns the id claimed for (table, index, value), if any.
func (s *Store) LookupUnique(table, index, value string) (string, bool, error) {
	key := indexKey(table, index, value)
	has, err := s.kv.Has(key)
	if err != nil {
		return "", false, errs.Wrap(errs.Internal, err, "check unique index")
	}
	if !has {
		return "", false, nil
	}
	v, err := s.kv.Get(key)
	if err != nil {
		return "", false, errs.Wrap(errs.Internal, err, "read unique index")
	}
	return string(v), true, nil
}

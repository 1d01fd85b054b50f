// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the durable dataset version store on BadgerDB.
//
// One record per (dataset_id, version) key holds the full DatasetObject,
// the raw sample payload, and the latest audit's outlier annotations. All
// mutations of a single version go through Mutate, which serializes writers
// per key and applies the change in one Badger transaction, so a reader
// never observes a history append without its status change or vice versa.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

var storeTracer = otel.Tracer("alignops.controlplane.store")

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates an unknown (dataset_id, version) key.
	ErrNotFound = errors.New("dataset version not found")

	// ErrConflict indicates a create for a key that already exists.
	ErrConflict = errors.New("dataset version already exists")
)

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

const (
	versionPrefix = "dv:"
	seqKey        = "seq:versions"
)

// versionKey builds the record key for a version. Identifier validation
// upstream guarantees neither part contains ':'.
func versionKey(datasetID, version string) []byte {
	return []byte(versionPrefix + datasetID + ":" + version)
}

func datasetPrefix(datasetID string) []byte {
	return []byte(versionPrefix + datasetID + ":")
}

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is the full persisted state of one dataset version.
type Record struct {
	Object datatypes.DatasetObject `json:"object"`

	// Raw is the ingested sample payload, in ingestion order. Re-ingestion
	// replaces it wholesale.
	Raw []datatypes.RawSample `json:"raw_data"`

	// Outliers is the last completed audit's per-sample annotation set,
	// already ranked. Empty before the first audit.
	Outliers []datatypes.OutlierSample `json:"outliers,omitempty"`

	// ExpectedVolume is the row count the L1 validator checks against.
	ExpectedVolume int `json:"expected_volume"`

	// Seq is the global creation sequence number, used for creation-order
	// listing. Assigned once at create.
	Seq uint64 `json:"seq"`
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the durable version registry. Safe for concurrent use.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	// locks serializes mutations per version key. Entries are never
	// removed; the map is bounded by the number of versions ever touched.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store on an opened Badger instance.
func New(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		return nil, fmt.Errorf("open creation sequence: %w", err)
	}
	return &Store{
		db:    db,
		seq:   seq,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the creation sequence. The caller owns the *badger.DB and
// closes it separately.
func (s *Store) Close() error {
	return s.seq.Release()
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Create persists a brand-new version record. Fails with ErrConflict if the
// (dataset_id, version) key already exists. The record's Seq is assigned
// here.
func (s *Store) Create(ctx context.Context, rec Record) (datatypes.DatasetObject, error) {
	_, span := storeTracer.Start(ctx, "Store.Create")
	defer span.End()

	key := versionKey(rec.Object.DatasetID, rec.Object.Version)

	lock := s.keyLock(string(key))
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.seq.Next()
	if err != nil {
		return datatypes.DatasetObject{}, fmt.Errorf("next creation sequence: %w", err)
	}
	rec.Seq = seq

	val, err := json.Marshal(&rec)
	if err != nil {
		return datatypes.DatasetObject{}, fmt.Errorf("marshal version record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return datatypes.DatasetObject{}, ErrConflict
		}
		return datatypes.DatasetObject{}, fmt.Errorf("create version record: %w", err)
	}
	return rec.Object, nil
}

// Get returns the DatasetObject for a version, or ErrNotFound.
func (s *Store) Get(ctx context.Context, datasetID, version string) (datatypes.DatasetObject, error) {
	rec, err := s.GetRecord(ctx, datasetID, version)
	if err != nil {
		return datatypes.DatasetObject{}, err
	}
	return rec.Object, nil
}

// GetRecord returns the full persisted record for a version.
func (s *Store) GetRecord(ctx context.Context, datasetID, version string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(datasetID, version))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read version record: %w", err)
	}
	return rec, nil
}

// ListVersions returns all versions of a dataset in creation order.
// Fails with ErrNotFound if the dataset has no versions.
func (s *Store) ListVersions(ctx context.Context, datasetID string) ([]datatypes.DatasetObject, error) {
	recs, err := s.scan(datasetPrefix(datasetID))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	objs := make([]datatypes.DatasetObject, len(recs))
	for i, r := range recs {
		objs[i] = r.Object
	}
	return objs, nil
}

// ListAll returns every stored version record in creation order. The
// read-side aggregation service builds summaries and statistics from this.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	return s.scan([]byte(versionPrefix))
}

func (s *Store) scan(prefix []byte) ([]Record, error) {
	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan version records: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

// Mutate applies fn to a version record under the per-key lock and writes
// the result back in a single transaction. fn sees the current record and
// may modify it in place; if fn returns an error nothing is written and the
// error is returned verbatim. This is the only mutation path after Create,
// so history append order matches transition application order.
func (s *Store) Mutate(ctx context.Context, datasetID, version string, fn func(*Record) error) (Record, error) {
	_, span := storeTracer.Start(ctx, "Store.Mutate")
	defer span.End()

	key := versionKey(datasetID, version)

	lock := s.keyLock(string(key))
	lock.Lock()
	defer lock.Unlock()

	var rec Record
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		val, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

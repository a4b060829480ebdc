// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package localdb is the local database access adapter: it opens the
// embedded per-origin object-store databases a provider exposes, lists
// their object stores, and walks every record of a store with a
// forward-only cursor. A database is one bolt file in the data
// directory; an object store is a top-level bucket; records are keyed
// JSON values.
package localdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.etcd.io/bbolt"
)

// suffix is appended to database names to form their file names.
const suffix = ".db"

// Record is one object-store record as handed to Iterate callbacks.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Local provides adapter access to the databases under one directory.
// Databases are opened per call; Local itself holds no open handles.
type Local struct {
	dir     string
	exposed []string
}

// Open returns an adapter rooted at the given data directory, creating
// the directory if it does not exist.
func Open(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.NotValidf("empty data directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Annotate(err, "creating data directory")
	}
	return &Local{dir: filepath.Clean(dir)}, nil
}

// ExposeDatabases restricts Databases to the given names, overriding any
// previous call. With no names the directory listing is used.
func (l *Local) ExposeDatabases(names ...string) {
	l.exposed = append([]string(nil), names...)
}

// Databases returns the names of the exposed databases: the configured
// allowlist if one was set, otherwise every database file in the data
// directory, sorted by name.
func (l *Local) Databases() ([]string, error) {
	if len(l.exposed) > 0 {
		return append([]string(nil), l.exposed...), nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Annotate(err, "listing data directory")
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(names)
	return names, nil
}

// ObjectStores returns the object store names of one database in key
// order.
func (l *Local) ObjectStores(database string) ([]string, error) {
	db, err := l.open(database, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer db.Close()

	var stores []string
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			stores = append(stores, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing object stores of %q", database)
	}
	return stores, nil
}

// Iterate walks every record of an object store in key order, calling fn
// for each one. Iteration stops at the first fn error, which is returned
// unchanged; a nil return is end-of-data.
func (l *Local) Iterate(database, store string, fn func(Record) error) error {
	db, err := l.open(database, true)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return errors.NotFoundf("object store %q in database %q", store, database)
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			record := Record{
				Key:   string(k),
				Value: append(json.RawMessage(nil), v...),
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put stores one record, creating the database and object store as
// needed. The value is marshalled to JSON. It exists so demos and tests
// can seed data; providers only read.
func (l *Local) Put(database, store, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Annotate(err, "marshalling record value")
	}
	db, err := l.open(database, false)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(store))
		if err != nil {
			return errors.Annotatef(err, "creating object store %q", store)
		}
		return bucket.Put([]byte(key), raw)
	})
}

func (l *Local) open(database string, mustExist bool) (*bbolt.DB, error) {
	if database == "" || strings.ContainsAny(database, "/\\") {
		return nil, errors.NotValidf("database name %q", database)
	}
	path := filepath.Join(l.dir, database+suffix)
	if mustExist {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, errors.NotFoundf("database %q", database)
		} else if err != nil {
			return nil, errors.Trace(err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", database)
	}
	return db, nil
}

package channeldb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	dbName = "holdd.db"

	dbFilePermission = 0600
)

var (
	// holdInvoiceBucket is the top level bucket in which one serialized
	// hold invoice record is stored per payment hash.
	holdInvoiceBucket = []byte("hold-invoices")

	// byteOrder is the byte order used for all serialized multi-byte
	// integer fields.
	byteOrder = binary.BigEndian
)

// DB is the primary datastore of the hold invoice daemon. It wraps a bbolt
// instance and exposes the narrow save/get/list/delete contract the
// settlement engine consumes.
type DB struct {
	*bolt.DB
	dbPath string
}

// Open opens an existing holdd database under the given path, creating the
// path and database file when they do not yet exist.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("unable to create db dir: %v", err)
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(holdInvoiceBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	db := &DB{
		DB:     bdb,
		dbPath: dbPath,
	}

	return db, nil
}

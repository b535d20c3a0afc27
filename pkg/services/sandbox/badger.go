package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// recordPrefix namespaces sandbox records in the database.
const recordPrefix = "sandbox:"

func recordKey(fileID string) []byte {
	return []byte(recordPrefix + fileID)
}

// BadgerIndex persists records in BadgerDB as JSON values.
type BadgerIndex struct {
	db *badger.DB
}

// OpenBadgerIndex opens the database at path. An empty path opens an
// in-memory database.
func OpenBadgerIndex(path string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open sandbox index %q: %w", path, err)
	}
	return &BadgerIndex{db: db}, nil
}

func (i *BadgerIndex) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.FileID, err)
	}
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.FileID), value)
	})
}

func (i *BadgerIndex) Get(ctx context.Context, fileID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("sandbox %s: %w", fileID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// List scans the record prefix; badger iterates keys in order.
func (i *BadgerIndex) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (i *BadgerIndex) Delete(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(fileID))
	})
}

func (i *BadgerIndex) Close() error {
	return i.db.Close()
}

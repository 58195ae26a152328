package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend is an embedded key-value fallback store.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens a BadgerDB at path. An empty path opens an
// in-memory database.
func NewBadgerBackend(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return &BadgerBackend{db: db}, nil
}

// Put stores the whole record under its key; the transaction commit swaps
// the value atomically.
func (b *BadgerBackend) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger marshal %s/%s: %w", rec.Collection, rec.ID, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey(rec.Collection, rec.OwnerID, rec.ID)), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (b *BadgerBackend) Get(ctx context.Context, collection, ownerID, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("context error: %w", err)
	}

	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKey(collection, ownerID, id)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("badger get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

func (b *BadgerBackend) List(ctx context.Context, collection, ownerID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	prefix := []byte(ownerPrefix(collection, ownerID))
	var out []Record

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list %s: %w", collection, err)
	}
	return out, nil
}

func (b *BadgerBackend) Delete(ctx context.Context, collection, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordKey(collection, ownerID, id)))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Close flushes and closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// Badger stores values in an embedded BadgerDB under "owner/key".
type Badger struct {
	db *badger.DB
}

// NewBadger opens a BadgerDB at path; an empty path opens an in-memory instance.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Errors still come back from operations; badger's own chatter is not needed.
	opts.Logger = nil

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: bdb}, nil
}

func badgerKey(owner, key string) []byte {
	return []byte(owner + "/" + key)
}

func (b *Badger) Get(_ context.Context, owner, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(owner, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

func (b *Badger) Put(_ context.Context, owner, key string, value []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(owner, key), value)
	}); err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Delete(_ context.Context, owner, key string) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(owner, key))
	}); err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded backend for single-node deployments and local
// development where no shared Redis exists. Entries use Badger's native TTL,
// so expiry semantics match the Redis backend. It is not shared across
// processes; the dedup and rate-limit guarantees then hold per node only.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database under dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) (string, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapUnavailable("get", key, err)
	}
	return string(val), true, nil
}

func (s *BadgerStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entryWithTTL(key, value, ttl))
	})
	if err != nil {
		return wrapUnavailable("set", key, err)
	}
	return nil
}

func (s *BadgerStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.updateRetry(func(txn *badger.Txn) error {
		claimed = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil // key held by someone else
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		claimed = true
		return txn.SetEntry(entryWithTTL(key, value, ttl))
	})
	if err != nil {
		return false, wrapUnavailable("setnx", key, err)
	}
	return claimed, nil
}

func (s *BadgerStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	var out int64
	err := s.updateRetry(func(txn *badger.Txn) error {
		var cur int64
		var ttl time.Duration
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %q holds non-integer value", key)
			}
			ttl = remainingTTL(item)
		case errors.Is(err, badger.ErrKeyNotFound):
			// fresh counter, no expiry until Expire is called
		default:
			return err
		}
		out = cur + n
		return txn.SetEntry(entryWithTTL(key, strconv.FormatInt(out, 10), ttl))
	})
	if err != nil {
		return 0, wrapUnavailable("incrby", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := s.updateRetry(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(entryWithTTL(key, string(raw), ttl))
	})
	if err != nil {
		return wrapUnavailable("expire", key, err)
	}
	return nil
}

func (s *BadgerStore) Del(_ context.Context, keys ...string) error {
	err := s.updateRetry(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapUnavailable("del", "", err)
	}
	return nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger closed", ErrUnavailable)
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// updateRetry re-runs a read-modify-write transaction on optimistic-lock
// conflicts. Counters under concurrent increment hit this path.
func (s *BadgerStore) updateRetry(fn func(txn *badger.Txn) error) error {
	for i := 0; i < 16; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return badger.ErrConflict
}

func entryWithTTL(key, value string, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), []byte(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func remainingTTL(item *badger.Item) time.Duration {
	if item.ExpiresAt() == 0 {
		return 0
	}
	rem := time.Until(time.Unix(int64(item.ExpiresAt()), 0))
	if rem <= 0 {
		return time.Millisecond // about to expire, keep it that way
	}
	return rem
}

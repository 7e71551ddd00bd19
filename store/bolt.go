// Package store provides the persistence layer of the ledger.
//
// BoltStore keeps everything in a single BoltDB file. Bolt runs at most one
// read-write transaction at a time, which is what makes Commit safe: the
// revision check, the account write, the ledger append and the idempotency
// record all happen inside one db.Update, so they land together or not at
// all. Reads use db.View and never wait for writers.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/account-ledger/ledger"
	"github.com/arkantrust/account-ledger/models"
)

var (
	accountsBucket     = []byte("accounts")
	transactionsBucket = []byte("transactions")
	// entriesBucket holds one nested bucket per account number whose keys are
	// big-endian sequence numbers, so a cursor walks entries in commit order.
	entriesBucket     = []byte("entries")
	idempotencyBucket = []byte("idempotency")
)

// accountRecord is the stored form of an account.
type accountRecord struct {
	models.AccountState
	Revision int64 `json:"revision"`
}

// BoltStore implements ledger.Repository on BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ ledger.Repository = (*BoltStore)(nil)

// NewBolt opens (or creates) a BoltDB database at the given path and ensures
// every bucket exists.
func NewBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, transactionsBucket, entriesBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateAccount stores a new account with an id from the accounts bucket
// sequence.
func (s *BoltStore) CreateAccount(ctx context.Context, account models.Account) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}

	var created models.Account

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		key := []byte(account.Number().String())

		if b.Get(key) != nil {
			return fmt.Errorf("%w: %s", models.ErrAccountExists, account.Number())
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		created = account.WithID(int64(id))

		data, err := json.Marshal(accountRecord{AccountState: created.State()})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return models.Account{}, err
	}

	return created, nil
}

// LoadAccount reads the committed state of an account.
func (s *BoltStore) LoadAccount(ctx context.Context, number models.AccountNumber) (ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Snapshot{}, err
	}

	var snap ledger.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getAccount(tx, number)
		if err != nil {
			return err
		}

		account, err := models.RestoreAccount(rec.AccountState)
		if err != nil {
			return err
		}

		snap = ledger.Snapshot{Account: account, Revision: rec.Revision}
		return nil
	})
	if err != nil {
		return ledger.Snapshot{}, err
	}

	return snap, nil
}

// Commit applies c in a single read-write transaction.
//
// The idempotency check happens inside the same transaction as the write, so
// of two concurrent commits carrying one key exactly one succeeds and the
// other sees a *ledger.KeyConflictError.
func (s *BoltStore) Commit(ctx context.Context, c ledger.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		number := c.Account.Number()

		current, err := getAccount(tx, number)
		if err != nil {
			return err
		}

		// A used key wins over a stale revision so the loser replays at once.
		ib := tx.Bucket(idempotencyBucket)
		var key []byte
		if c.Idempotency != nil {
			key = idempotencyKey(number, c.Idempotency.Key)
			if existing := ib.Get(key); existing != nil {
				var rec ledger.IdempotencyRecord
				if err := json.Unmarshal(existing, &rec); err != nil {
					return err
				}
				return &ledger.KeyConflictError{Record: rec}
			}
		}

		if current.Revision != c.ExpectedRevision {
			return ledger.ErrVersionConflict
		}

		if c.Idempotency != nil {
			data, err := json.Marshal(c.Idempotency)
			if err != nil {
				return err
			}
			if err := ib.Put(key, data); err != nil {
				return err
			}
		}

		if c.Transaction != nil {
			if err := appendTransaction(tx, *c.Transaction); err != nil {
				return err
			}
		}

		data, err := json.Marshal(accountRecord{
			AccountState: c.Account.State(),
			Revision:     current.Revision + 1,
		})
		if err != nil {
			return err
		}
		return tx.Bucket(accountsBucket).Put([]byte(number.String()), data)
	})
}

// GetTransaction retrieves a single ledger entry by id.
func (s *BoltStore) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return models.Transaction{}, err
	}

	var t models.Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transactionsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", models.ErrTransactionNotFound, id)
		}
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return models.Transaction{}, err
	}

	return t, nil
}

// ListTransactions returns the account's entries in commit order. An account
// without entries yields an empty, non-nil slice.
func (s *BoltStore) ListTransactions(ctx context.Context, number models.AccountNumber) ([]models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := []models.Transaction{}

	err := s.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket).Bucket([]byte(number.String()))
		if eb == nil {
			return nil
		}

		tb := tx.Bucket(transactionsBucket)
		return eb.ForEach(func(_, id []byte) error {
			v := tb.Get(id)
			if v == nil {
				return fmt.Errorf("ledger of %s references missing transaction %s", number, id)
			}

			var t models.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			items = append(items, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// FindIdempotencyRecord looks up the record for key on an account.
func (s *BoltStore) FindIdempotencyRecord(ctx context.Context, number models.AccountNumber, key string) (ledger.IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.IdempotencyRecord{}, false, err
	}

	var (
		rec   ledger.IdempotencyRecord
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(idempotencyBucket).Get(idempotencyKey(number, key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return ledger.IdempotencyRecord{}, false, err
	}

	return rec, found, nil
}

// PurgeIdempotencyRecords removes records created before the cutoff. The
// transactions they point at are kept.
func (s *BoltStore) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)

		// Bolt forbids deleting while iterating with ForEach.
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec ledger.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreatedAt.Before(before) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func getAccount(tx *bolt.Tx, number models.AccountNumber) (accountRecord, error) {
	v := tx.Bucket(accountsBucket).Get([]byte(number.String()))
	if v == nil {
		return accountRecord{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, number)
	}

	var rec accountRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return accountRecord{}, err
	}
	return rec, nil
}

// appendTransaction stores t and links it at the end of its account's ledger.
// Entries are write-once: an id that already exists is an error.
func appendTransaction(tx *bolt.Tx, t models.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	tb := tx.Bucket(transactionsBucket)
	if tb.Get([]byte(t.ID)) != nil {
		return fmt.Errorf("transaction %s already recorded", t.ID)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := tb.Put([]byte(t.ID), data); err != nil {
		return err
	}

	eb, err := tx.Bucket(entriesBucket).CreateBucketIfNotExists([]byte(t.AccountNumber.String()))
	if err != nil {
		return err
	}
	seq, err := eb.NextSequence()
	if err != nil {
		return err
	}

	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return eb.Put(k[:], []byte(t.ID))
}

// idempotencyKey scopes key to an account. Account numbers are digits only,
// so the separator cannot appear in them.
func idempotencyKey(number models.AccountNumber, key string) []byte {
	return []byte(number.String() + ":" + key)
}

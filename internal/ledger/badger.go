package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/recordvault/recordvault/internal/errs"
)

const (
	txKeyPrefix   = "tx:"
	idemKeyPrefix = "idem:"
	typeKeyPrefix = "type:"
)

// BadgerLedger is an embedded append-only ledger on Badger. Entries are only
// ever written once; the idempotency-key index makes retried submits resolve
// to the original transaction instead of appending a duplicate.
type BadgerLedger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the ledger at path.
func OpenBadger(path string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

// Submit appends the transaction unless its idempotency key is already
// indexed, in which case the existing TxID is returned.
func (l *BadgerLedger) Submit(ctx context.Context, tx Transaction) (string, error) {
	if err := Validate(tx); err != nil {
		return "", errs.E(errs.KindLedgerRejected, "ledger.Submit", err)
	}
	if existing, err := l.Evaluate(ctx, tx.IdempotencyKey); err != nil {
		return "", err
	} else if existing != nil {
		return existing.TxID, nil
	}
	tx.TxID = uuid.NewString()
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return "", errs.E(errs.KindLedgerRejected, "ledger.Submit", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		// Re-check under the write transaction so two racing submits
		// with the same key commit a single entry.
		idemKey := []byte(idemKeyPrefix + tx.IdempotencyKey)
		if item, err := txn.Get(idemKey); err == nil {
			return item.Value(func(val []byte) error {
				tx.TxID = string(val)
				return nil
			})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(txKeyPrefix+tx.TxID), payload); err != nil {
			return err
		}
		if err := txn.Set(idemKey, []byte(tx.TxID)); err != nil {
			return err
		}
		return txn.Set([]byte(typeKeyPrefix+string(tx.Type)+":"+tx.TxID), nil)
	})
	if err != nil {
		return "", errs.E(errs.KindLedgerUnavailable, "ledger.Submit", err)
	}
	return tx.TxID, nil
}

// Evaluate returns the transaction recorded under the idempotency key, or
// nil when none exists.
func (l *BadgerLedger) Evaluate(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	var out *Transaction
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idemKeyPrefix + idempotencyKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var txID string
		if err := item.Value(func(val []byte) error {
			txID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return l.loadTx(txn, txID, &out)
	})
	if err != nil {
		return nil, errs.E(errs.KindLedgerUnavailable, "ledger.Evaluate", err)
	}
	return out, nil
}

// ListByType returns every transaction of the given type, used by the
// reconciliation scan.
func (l *BadgerLedger) ListByType(ctx context.Context, typ TxType) ([]Transaction, error) {
	var out []Transaction
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(typeKeyPrefix + string(typ) + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			txID := string(it.Item().Key()[len(prefix):])
			var tx *Transaction
			if err := l.loadTx(txn, txID, &tx); err != nil {
				return err
			}
			if tx != nil {
				out = append(out, *tx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.E(errs.KindLedgerUnavailable, "ledger.ListByType", err)
	}
	return out, nil
}

func (l *BadgerLedger) loadTx(txn *badger.Txn, txID string, out **Transaction) error {
	item, err := txn.Get([]byte(txKeyPrefix + txID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		var tx Transaction
		if err := json.Unmarshal(val, &tx); err != nil {
			return err
		}
		*out = &tx
		return nil
	})
}

// Close flushes and closes the underlying database.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

var _ Client = (*BadgerLedger)(nil)

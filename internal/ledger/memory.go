package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordvault/recordvault/internal/errs"
)

// MemoryLedger is an in-process Client for tests. FailSubmit and
// FailEvaluate inject transient outages.
type MemoryLedger struct {
	mu     sync.Mutex
	byKey  map[string]string
	byTxID map[string]Transaction

	FailSubmit   error
	FailEvaluate error
}

// NewMemory constructs a MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		byKey:  make(map[string]string),
		byTxID: make(map[string]Transaction),
	}
}

// Submit appends the transaction or returns the TxID already recorded under
// its idempotency key.
func (m *MemoryLedger) Submit(ctx context.Context, tx Transaction) (string, error) {
	if err := Validate(tx); err != nil {
		return "", errs.E(errs.KindLedgerRejected, "ledger.Submit", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmit != nil {
		return "", errs.E(errs.KindLedgerUnavailable, "ledger.Submit", m.FailSubmit)
	}
	if txID, ok := m.byKey[tx.IdempotencyKey]; ok {
		return txID, nil
	}
	tx.TxID = uuid.NewString()
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now().UTC()
	}
	m.byKey[tx.IdempotencyKey] = tx.TxID
	m.byTxID[tx.TxID] = tx
	return tx.TxID, nil
}

// Evaluate returns the transaction under the idempotency key, or nil.
func (m *MemoryLedger) Evaluate(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEvaluate != nil {
		return nil, errs.E(errs.KindLedgerUnavailable, "ledger.Evaluate", m.FailEvaluate)
	}
	txID, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	tx := m.byTxID[txID]
	return &tx, nil
}

// ListByType returns every transaction of the given type.
func (m *MemoryLedger) ListByType(ctx context.Context, typ TxType) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.byTxID {
		if tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Tamper rewrites the content hash recorded for an idempotency key, for
// integrity-check tests.
func (m *MemoryLedger) Tamper(idempotencyKey, contentHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	txID, ok := m.byKey[idempotencyKey]
	if !ok {
		return false
	}
	tx := m.byTxID[txID]
	tx.ContentHash = contentHash
	m.byTxID[txID] = tx
	return true
}

// Len reports the number of recorded transactions.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTxID)
}

// Close is a no-op for the in-memory ledger.
func (m *MemoryLedger) Close() error { return nil }

var _ Client = (*MemoryLedger)(nil)

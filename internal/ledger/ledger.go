// Package ledger defines the append-only transaction contract the
// coordinator requires and ships two implementations: an embedded Badger
// backend for single-node deployments and an in-memory one for tests. The
// ledger's own consensus is outside this contract; only submission
// idempotency and queryability matter here.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// TxType enumerates the transaction types anchored on the ledger.
type TxType string

const (
	TxCreateRecord TxType = "CreateRecord"
	TxGrantAccess  TxType = "GrantAccess"
	TxRevokeAccess TxType = "RevokeAccess"
)

// Transaction is one ledger entry. IdempotencyKey dedupes retried submits:
// the record id for creates, recordId+granteeId+permission+grantedAt for
// access events.
type Transaction struct {
	TxID           string     `json:"txId"`
	Type           TxType     `json:"type"`
	IdempotencyKey string     `json:"idempotencyKey"`
	RecordID       string     `json:"recordId"`
	ContentHash    string     `json:"contentHash,omitempty"`
	CID            string     `json:"cid,omitempty"`
	GranteeID      string     `json:"granteeId,omitempty"`
	Permission     string     `json:"permission,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	SubmittedAt    time.Time  `json:"submittedAt"`
}

// Client submits and queries ledger transactions. Submit is at-least-once:
// implementations look the idempotency key up first and return the existing
// TxID instead of appending a second entry. Evaluate returns nil without
// error when no entry exists under the key. Failures carry the
// LedgerUnavailable (retryable) or LedgerRejected (permanent) error kinds.
type Client interface {
	Submit(ctx context.Context, tx Transaction) (string, error)
	Evaluate(ctx context.Context, idempotencyKey string) (*Transaction, error)
	ListByType(ctx context.Context, typ TxType) ([]Transaction, error)
	Close() error
}

// Validate rejects transactions the ledger would refuse, before submission.
func Validate(tx Transaction) error {
	if tx.IdempotencyKey == "" {
		return fmt.Errorf("missing idempotency key")
	}
	if tx.RecordID == "" {
		return fmt.Errorf("missing record id")
	}
	switch tx.Type {
	case TxCreateRecord:
		if tx.ContentHash == "" || tx.CID == "" {
			return fmt.Errorf("create transaction missing content hash or cid")
		}
	case TxGrantAccess, TxRevokeAccess:
		if tx.GranteeID == "" || tx.Permission == "" {
			return fmt.Errorf("access transaction missing grantee or permission")
		}
	default:
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	return nil
}

// CreateKey returns the idempotency key for a create transaction.
func CreateKey(recordID string) string { return recordID }

// AccessKey returns the idempotency key for a grant/revoke transaction.
func AccessKey(recordID, granteeID, permission string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", recordID, granteeID, permission, at.UnixNano())
}

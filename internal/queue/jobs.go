// Package queue defines the background tasks the coordinator hands off to
// the worker. Indexing and audit anchoring are best-effort from the
// synchronous path's perspective: asynq carries their retry/backoff, and a
// failure never rolls back or blocks a committed record.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/recordvault/recordvault/internal/ledger"
)

const (
	// IndexRecordTask updates the search index for one record.
	IndexRecordTask = "search:index"
	// AuditLedgerTask anchors a grant/revoke transaction on the ledger.
	AuditLedgerTask = "ledger:audit"
	// ReconcileTask runs the orphan scan across ledger, metadata and blob
	// store. Scheduled periodically; carries no payload.
	ReconcileTask = "records:reconcile"
)

// IndexPayload tells the worker which record to index. Tokens are computed
// by the coordinator while it still holds the plaintext; the worker reads
// everything else from the metadata store.
type IndexPayload struct {
	RecordID string   `json:"record_id"`
	Tokens   []string `json:"tokens"`
}

// NewIndexTask builds the asynq task for a search index update.
func NewIndexTask(payload IndexPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal index payload: %w", err)
	}
	return asynq.NewTask(IndexRecordTask, data), nil
}

// NewAuditTask builds the asynq task for a ledger audit transaction.
func NewAuditTask(tx ledger.Transaction) (*asynq.Task, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return asynq.NewTask(AuditLedgerTask, data), nil
}

// Client wraps an asynq client with typed enqueue helpers.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueIndex schedules a search index update.
func (c *Client) EnqueueIndex(ctx context.Context, payload IndexPayload) error {
	task, err := NewIndexTask(payload)
	if err != nil {
		return err
	}
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue index task: %w", err)
	}
	return nil
}

// EnqueueAudit schedules a ledger audit transaction.
func (c *Client) EnqueueAudit(ctx context.Context, tx ledger.Transaction) error {
	task, err := NewAuditTask(tx)
	if err != nil {
		return err
	}
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(10)); err != nil {
		return fmt.Errorf("enqueue audit task: %w", err)
	}
	return nil
}

// Package worker consumes the background tasks the coordinator enqueues.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/coordinator"
	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/ledger"
	"github.com/recordvault/recordvault/internal/model"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/search"
)

// Processor is plugged into the asynq worker loop. It owns the index and
// audit paths so their failures retry on the queue instead of rolling back
// the synchronous commit that enqueued them.
type Processor struct {
	meta   coordinator.MetadataStore
	index  search.Indexer
	ledger ledger.Client
	coord  *coordinator.Coordinator
	log    zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(meta coordinator.MetadataStore, index search.Indexer, ledgerClient ledger.Client, coord *coordinator.Coordinator, log zerolog.Logger) *Processor {
	return &Processor{meta: meta, index: index, ledger: ledgerClient, coord: coord, log: log}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IndexRecordTask, p.handleIndex)
	mux.HandleFunc(queue.AuditLedgerTask, p.handleAudit)
	mux.HandleFunc(queue.ReconcileTask, p.handleReconcile)
	return mux
}

// handleIndex refreshes one record's search document. Status and metadata
// come from the metadata store at handling time, so a record archived
// between enqueue and handling indexes with its current state.
func (p *Processor) handleIndex(ctx context.Context, task *asynq.Task) error {
	var payload queue.IndexPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode index payload: %w", err)
	}
	rec, err := p.meta.Get(ctx, payload.RecordID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			// The record never committed; nothing to index.
			p.log.Debug().Str("record_id", payload.RecordID).Msg("skipping index for uncommitted record")
			return nil
		}
		return fmt.Errorf("load record: %w", err)
	}
	doc := model.SearchDocument{
		ID:        rec.RecordID,
		Tokens:    search.MergeTokens(payload.Tokens, search.MetadataTokens(rec)),
		PatientID: rec.PatientID,
		CreatorID: rec.CreatorID,
		FileType:  rec.FileType,
		Status:    rec.Status,
		UpdatedAt: rec.UpdatedAt,
	}
	if err := p.index.Index(ctx, doc); err != nil {
		return fmt.Errorf("index record %s: %w", rec.RecordID, err)
	}
	p.log.Info().Str("record_id", rec.RecordID).Int("tokens", len(doc.Tokens)).Msg("record indexed")
	return nil
}

// handleAudit anchors a grant/revoke transaction on the ledger. Transient
// ledger outages retry with asynq's backoff; a rejected payload will never
// succeed and is dropped after logging.
func (p *Processor) handleAudit(ctx context.Context, task *asynq.Task) error {
	var tx ledger.Transaction
	if err := json.Unmarshal(task.Payload(), &tx); err != nil {
		return fmt.Errorf("decode audit payload: %w", err)
	}
	txID, err := p.ledger.Submit(ctx, tx)
	if err != nil {
		if errs.IsKind(err, errs.KindLedgerRejected) {
			p.log.Error().Err(err).Str("record_id", tx.RecordID).Msg("audit transaction rejected, dropping")
			return fmt.Errorf("audit rejected: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("submit audit: %w", err)
	}
	p.log.Info().Str("record_id", tx.RecordID).Str("tx_id", txID).Str("type", string(tx.Type)).Msg("audit anchored")
	return nil
}

func (p *Processor) handleReconcile(ctx context.Context, task *asynq.Task) error {
	removed, err := p.coord.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if removed > 0 {
		p.log.Info().Int("removed", removed).Msg("reconcile pass reclaimed orphaned blobs")
	}
	return nil
}

// Package coordinator orchestrates record creation, reads and access-control
// changes across the blob store, the ledger and the metadata store. The
// metadata write is the single commit point of a create: blob and ledger
// writes before it are invisible to readers and cleaned up by the
// reconciliation pass if the commit never lands. The coordinator is the sole
// writer of record status and ACL state.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/accessctl"
	"github.com/recordvault/recordvault/internal/blobstore"
	"github.com/recordvault/recordvault/internal/crypto"
	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/ledger"
	"github.com/recordvault/recordvault/internal/model"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/search"
)

// MetadataStore is the relational store contract the coordinator writes
// through. The production implementation is repository.RecordRepository.
type MetadataStore interface {
	Exists(ctx context.Context, recordID string) (bool, error)
	Create(ctx context.Context, rec *model.Record, wrappedKeys map[string][]byte) error
	Get(ctx context.Context, recordID string) (*model.Record, error)
	ListByPatient(ctx context.Context, patientID string) ([]model.Record, error)
	ListActive(ctx context.Context) ([]model.Record, error)
	UpdateStatus(ctx context.Context, recordID string, status model.RecordStatus, version int64) error
	ListAccess(ctx context.Context, recordID string) ([]model.AccessEntry, error)
	ApplyGrant(ctx context.Context, rec *model.Record, entry model.AccessEntry, wrappedKey []byte) error
	ApplyRevoke(ctx context.Context, rec *model.Record, granteeID string, permission model.Permission, revokedBy string, at time.Time) error
	GetWrappedKey(ctx context.Context, recordID, granteeID string) ([]byte, error)
}

// Enqueuer hands best-effort work to the background worker.
type Enqueuer interface {
	EnqueueIndex(ctx context.Context, payload queue.IndexPayload) error
	EnqueueAudit(ctx context.Context, tx ledger.Transaction) error
}

// Options tune coordinator behavior.
type Options struct {
	// VerifyLedgerOnRead cross-checks every download against the ledger's
	// recorded content hash; the ledger is the higher-trust source.
	VerifyLedgerOnRead bool
	// MaxRecordSize bounds accepted content.
	MaxRecordSize int64
	// ReconcileGrace is how old an unmatched ledger entry must be before
	// the reconcile pass treats its blob as orphaned.
	ReconcileGrace time.Duration
}

// Coordinator wires the stores together. All dependencies are injected at
// composition time; nothing here is a package-level singleton.
type Coordinator struct {
	meta   MetadataStore
	blobs  blobstore.Store
	ledger ledger.Client
	crypto *crypto.Service
	index  search.Indexer
	tasks  Enqueuer
	log    zerolog.Logger
	opts   Options
}

// New constructs a Coordinator.
func New(meta MetadataStore, blobs blobstore.Store, ledgerClient ledger.Client, cryptoSvc *crypto.Service, index search.Indexer, tasks Enqueuer, log zerolog.Logger, opts Options) *Coordinator {
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = 25 << 20
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = 15 * time.Minute
	}
	return &Coordinator{
		meta:   meta,
		blobs:  blobs,
		ledger: ledgerClient,
		crypto: cryptoSvc,
		index:  index,
		tasks:  tasks,
		log:    log,
		opts:   opts,
	}
}

// CreateRequest carries the inputs of a record creation.
type CreateRequest struct {
	Content   []byte
	PatientID string
	CreatorID string
	FileType  string
	Title     string
}

// CreateResult is the response of a successful creation.
type CreateResult struct {
	RecordID string `json:"recordId"`
	TxID     string `json:"txId"`
	CID      string `json:"cid"`
}

// Create encrypts and stores a record across the three substrates. Blob
// failure aborts before anything else happened; a ledger entry is guarded by
// the record id as idempotency key so a client retry after a timeout
// resolves to the same transaction; the metadata commit makes the record
// visible. Index updates are handed to the worker and never fail the call.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateCreate(req, c.opts.MaxRecordSize); err != nil {
		return nil, err
	}
	recordID, err := c.newRecordID(ctx)
	if err != nil {
		return nil, err
	}
	contentHash := crypto.Digest(req.Content)
	tokens := search.MergeTokens(
		search.Tokenize(strings.Join([]string{req.PatientID, req.CreatorID, req.FileType, req.Title}, " ")),
		c.contentTokens(req),
	)

	contentKey, err := c.crypto.NewContentKey()
	if err != nil {
		return nil, fmt.Errorf("new content key: %w", err)
	}
	blob, err := c.crypto.Encrypt(req.Content, contentKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	cid, err := c.blobs.Put(ctx, blob)
	if err != nil {
		// Nothing else has happened; the whole call is safe to retry.
		return nil, err
	}

	txID, err := c.submitCreate(ctx, recordID, contentHash, cid)
	if err != nil {
		return nil, err
	}

	wrappedKeys := make(map[string][]byte)
	for _, owner := range []string{req.CreatorID, req.PatientID} {
		if _, ok := wrappedKeys[owner]; ok {
			continue
		}
		wrapped, err := c.crypto.WrapKey(recordID, owner, contentKey)
		if err != nil {
			return nil, fmt.Errorf("wrap owner key: %w", err)
		}
		wrappedKeys[owner] = wrapped
	}

	rec := &model.Record{
		RecordID:    recordID,
		PatientID:   req.PatientID,
		CreatorID:   req.CreatorID,
		FileType:    req.FileType,
		Title:       req.Title,
		ContentHash: contentHash,
		CID:         cid,
		TxID:        txID,
	}
	if err := c.meta.Create(ctx, rec, wrappedKeys); err != nil {
		// Blob and ledger entry are now orphaned; the reconcile pass
		// picks them up. The record was never visible.
		return nil, fmt.Errorf("commit metadata: %w", err)
	}

	if err := c.tasks.EnqueueIndex(ctx, queue.IndexPayload{RecordID: recordID, Tokens: tokens}); err != nil {
		c.log.Warn().Err(err).Str("record_id", recordID).Msg("index enqueue failed, deferring to reindex")
	}
	return &CreateResult{RecordID: recordID, TxID: txID, CID: cid}, nil
}

// submitCreate queries the ledger for an entry under the record id before
// submitting, so a retried create never appends a second transaction.
func (c *Coordinator) submitCreate(ctx context.Context, recordID, contentHash, cid string) (string, error) {
	key := ledger.CreateKey(recordID)
	if existing, err := c.ledger.Evaluate(ctx, key); err != nil {
		return "", err
	} else if existing != nil {
		if existing.ContentHash != contentHash {
			return "", errs.Errorf(errs.KindIntegrity, "coordinator.Create",
				"ledger entry %s already exists with different content hash", key)
		}
		return existing.TxID, nil
	}
	return c.ledger.Submit(ctx, ledger.Transaction{
		Type:           ledger.TxCreateRecord,
		IdempotencyKey: key,
		RecordID:       recordID,
		ContentHash:    contentHash,
		CID:            cid,
	})
}

func (c *Coordinator) contentTokens(req CreateRequest) []string {
	tokens, err := search.ContentTokens(req.FileType, req.Content)
	if err != nil {
		c.log.Warn().Err(err).Str("file_type", req.FileType).Msg("content tokenization failed, indexing metadata only")
		return nil
	}
	return tokens
}

func (c *Coordinator) newRecordID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.NewString()
		exists, err := c.meta.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check record id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("record id collision persisted after retries")
}

// Download returns the decrypted content of an active record for a caller
// holding READ. The plaintext digest is verified against the metadata hash
// and, when configured, against the ledger before any byte reaches the
// caller; a mismatch is an integrity violation, logged for audit, never
// returned as data.
func (c *Coordinator) Download(ctx context.Context, recordID, userID string) ([]byte, error) {
	rec, err := c.meta.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusActive {
		return nil, errs.Errorf(errs.KindNotFound, "coordinator.Download", "record %s is %s", recordID, rec.Status)
	}
	if err := c.requirePermission(ctx, rec, userID, model.PermissionRead); err != nil {
		return nil, err
	}

	blob, err := c.blobs.Get(ctx, rec.CID)
	if err != nil {
		return nil, err
	}
	wrapped, err := c.meta.GetWrappedKey(ctx, recordID, userID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, errs.Errorf(errs.KindAccessDenied, "coordinator.Download", "no content key for %s", userID)
		}
		return nil, err
	}
	contentKey, err := c.crypto.UnwrapKey(recordID, userID, wrapped)
	if err != nil {
		return nil, c.integrity(recordID, userID, fmt.Errorf("unwrap key: %w", err))
	}
	content, err := c.crypto.Decrypt(blob, contentKey)
	if err != nil {
		return nil, c.integrity(recordID, userID, fmt.Errorf("decrypt blob: %w", err))
	}
	if got := crypto.Digest(content); got != rec.ContentHash {
		return nil, c.integrity(recordID, userID, fmt.Errorf("content digest %s does not match recorded %s", got, rec.ContentHash))
	}
	if c.opts.VerifyLedgerOnRead {
		if err := c.verifyLedger(ctx, rec, userID); err != nil {
			return nil, err
		}
	}
	return content, nil
}

// verifyLedger treats the ledger as the higher-trust source: a missing or
// disagreeing entry means the metadata store is not to be trusted.
func (c *Coordinator) verifyLedger(ctx context.Context, rec *model.Record, userID string) error {
	tx, err := c.ledger.Evaluate(ctx, ledger.CreateKey(rec.RecordID))
	if err != nil {
		return err
	}
	if tx == nil {
		return c.integrity(rec.RecordID, userID, fmt.Errorf("no ledger entry for active record"))
	}
	if tx.ContentHash != rec.ContentHash {
		return c.integrity(rec.RecordID, userID, fmt.Errorf("ledger hash %s disagrees with metadata %s", tx.ContentHash, rec.ContentHash))
	}
	return nil
}

func (c *Coordinator) integrity(recordID, userID string, cause error) error {
	c.log.Error().Str("record_id", recordID).Str("user_id", userID).Err(cause).Msg("integrity violation")
	return errs.E(errs.KindIntegrity, "coordinator.Download", cause)
}

// Action selects the direction of an access update.
type Action string

const (
	ActionGrant  Action = "GRANT"
	ActionRevoke Action = "REVOKE"
)

// AccessUpdate describes one grant or revocation.
type AccessUpdate struct {
	GranteeID  string
	Permission model.Permission
	Action     Action
	ExpiresAt  *time.Time
}

// UpdateAccess grants or revokes a permission on behalf of a grantor holding
// SHARE. Grants wrap the record's content key for the grantee; the blob is
// never rewritten. The mutation is serialized per record by the metadata
// version check; a losing writer re-reads and retries once before the
// conflict surfaces. The ledger audit entry is enqueued best-effort: the ACL
// in the metadata store is authoritative, so an audit failure is logged,
// not fatal.
func (c *Coordinator) UpdateAccess(ctx context.Context, recordID string, upd AccessUpdate, grantorID string) ([]model.AccessEntry, error) {
	if err := validateAccessUpdate(upd); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := c.meta.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if rec.IsOwner(upd.GranteeID) {
			return nil, errs.Errorf(errs.KindValidation, "coordinator.UpdateAccess",
				"%s already owns record %s", upd.GranteeID, recordID)
		}
		if err := c.requirePermission(ctx, rec, grantorID, model.PermissionShare); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		switch upd.Action {
		case ActionGrant:
			err = c.applyGrant(ctx, rec, upd, grantorID, now)
		case ActionRevoke:
			err = c.meta.ApplyRevoke(ctx, rec, upd.GranteeID, upd.Permission, grantorID, now)
		}
		if err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		c.enqueueAudit(ctx, rec.RecordID, upd, now)
		acl, err := c.meta.ListAccess(ctx, recordID)
		if err != nil {
			return nil, err
		}
		return accessctl.ActiveEntries(acl, now), nil
	}
	return nil, lastErr
}

func (c *Coordinator) applyGrant(ctx context.Context, rec *model.Record, upd AccessUpdate, grantorID string, now time.Time) error {
	grantorWrapped, err := c.meta.GetWrappedKey(ctx, rec.RecordID, grantorID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return errs.Errorf(errs.KindAccessDenied, "coordinator.UpdateAccess", "grantor %s holds no content key", grantorID)
		}
		return err
	}
	contentKey, err := c.crypto.UnwrapKey(rec.RecordID, grantorID, grantorWrapped)
	if err != nil {
		return fmt.Errorf("unwrap grantor key: %w", err)
	}
	granteeWrapped, err := c.crypto.WrapKey(rec.RecordID, upd.GranteeID, contentKey)
	if err != nil {
		return fmt.Errorf("wrap grantee key: %w", err)
	}
	entry := model.AccessEntry{
		RecordID:   rec.RecordID,
		GranteeID:  upd.GranteeID,
		Permission: upd.Permission,
		GrantedBy:  grantorID,
		GrantedAt:  now,
		ExpiresAt:  upd.ExpiresAt,
	}
	return c.meta.ApplyGrant(ctx, rec, entry, granteeWrapped)
}

func (c *Coordinator) enqueueAudit(ctx context.Context, recordID string, upd AccessUpdate, at time.Time) {
	typ := ledger.TxGrantAccess
	if upd.Action == ActionRevoke {
		typ = ledger.TxRevokeAccess
	}
	tx := ledger.Transaction{
		Type:           typ,
		IdempotencyKey: ledger.AccessKey(recordID, upd.GranteeID, string(upd.Permission), at),
		RecordID:       recordID,
		GranteeID:      upd.GranteeID,
		Permission:     string(upd.Permission),
		ExpiresAt:      upd.ExpiresAt,
	}
	if err := c.tasks.EnqueueAudit(ctx, tx); err != nil {
		c.log.Warn().Err(err).Str("record_id", recordID).Str("grantee_id", upd.GranteeID).
			Msg("audit enqueue failed, ACL mutation stands")
	}
}

// GetMetadata returns the metadata row for callers holding READ.
func (c *Coordinator) GetMetadata(ctx context.Context, recordID, userID string) (*model.Record, error) {
	rec, err := c.meta.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := c.requirePermission(ctx, rec, userID, model.PermissionRead); err != nil {
		return nil, err
	}
	return rec, nil
}

// ACLSnapshot returns the full permission history of a record, including
// revocation markers, for callers holding SHARE.
func (c *Coordinator) ACLSnapshot(ctx context.Context, recordID, userID string) ([]model.AccessEntry, error) {
	rec, err := c.meta.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := c.requirePermission(ctx, rec, userID, model.PermissionShare); err != nil {
		return nil, err
	}
	return c.meta.ListAccess(ctx, recordID)
}

// ListByPatient returns the patient's records visible to the caller: every
// record the caller owns as patient or creator.
func (c *Coordinator) ListByPatient(ctx context.Context, patientID, userID string) ([]model.Record, error) {
	recs, err := c.meta.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	var out []model.Record
	for _, rec := range recs {
		if rec.IsOwner(userID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Archive transitions a record to ARCHIVED. Owner-only; content and ledger
// anchoring stay untouched.
func (c *Coordinator) Archive(ctx context.Context, recordID, userID string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := c.meta.Get(ctx, recordID)
		if err != nil {
			return err
		}
		if !rec.IsOwner(userID) {
			return errs.Errorf(errs.KindAccessDenied, "coordinator.Archive", "%s does not own record %s", userID, recordID)
		}
		if rec.Status == model.StatusArchived {
			return nil
		}
		if err := c.meta.UpdateStatus(ctx, recordID, model.StatusArchived, rec.Version); err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				lastErr = err
				continue
			}
			return err
		}
		payload := queue.IndexPayload{RecordID: recordID, Tokens: search.MetadataTokens(rec)}
		if err := c.tasks.EnqueueIndex(ctx, payload); err != nil {
			c.log.Warn().Err(err).Str("record_id", recordID).Msg("index enqueue failed after archive")
		}
		return nil
	}
	return lastErr
}

// Search tokenizes the query, asks the indexer for candidates and filters
// them through the ACL. A stale index can only widen the candidate list; it
// can never grant access, because every hit is re-checked against the
// metadata store here.
func (c *Coordinator) Search(ctx context.Context, query, userID string) ([]model.Record, error) {
	tokens := search.Tokenize(query)
	if len(tokens) == 0 {
		return nil, errs.Errorf(errs.KindValidation, "coordinator.Search", "empty query")
	}
	ids, err := c.index.Query(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	now := time.Now().UTC()
	var out []model.Record
	for _, id := range ids {
		rec, err := c.meta.Get(ctx, id)
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Status != model.StatusActive {
			continue
		}
		acl, err := c.meta.ListAccess(ctx, id)
		if err != nil {
			return nil, err
		}
		if !accessctl.Check(rec, acl, userID, model.PermissionRead, now) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// VerifyIntegrity re-runs the full invariant check for one record: the blob
// under the recorded CID must decrypt to content whose digest matches the
// metadata hash, and the ledger must agree. Used by the admin CLI.
func (c *Coordinator) VerifyIntegrity(ctx context.Context, recordID string) error {
	rec, err := c.meta.Get(ctx, recordID)
	if err != nil {
		return err
	}
	blob, err := c.blobs.Get(ctx, rec.CID)
	if err != nil {
		return err
	}
	wrapped, err := c.meta.GetWrappedKey(ctx, recordID, rec.CreatorID)
	if err != nil {
		return err
	}
	contentKey, err := c.crypto.UnwrapKey(recordID, rec.CreatorID, wrapped)
	if err != nil {
		return c.integrity(recordID, rec.CreatorID, fmt.Errorf("unwrap key: %w", err))
	}
	content, err := c.crypto.Decrypt(blob, contentKey)
	if err != nil {
		return c.integrity(recordID, rec.CreatorID, fmt.Errorf("decrypt blob: %w", err))
	}
	if got := crypto.Digest(content); got != rec.ContentHash {
		return c.integrity(recordID, rec.CreatorID, fmt.Errorf("content digest %s does not match recorded %s", got, rec.ContentHash))
	}
	return c.verifyLedger(ctx, rec, rec.CreatorID)
}

// Reconcile scans the ledger for create entries with no matching metadata
// row and deletes their orphaned blobs. Ledger entries are append-only and
// stay; the pass only reclaims blob storage left behind by creates that
// failed between the ledger submit and the metadata commit. Idempotent and
// safe to run concurrently with live traffic.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	txs, err := c.ledger.ListByType(ctx, ledger.TxCreateRecord)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-c.opts.ReconcileGrace)
	removed := 0
	for _, tx := range txs {
		if tx.SubmittedAt.After(cutoff) {
			// Possibly a create still in flight; leave it for the
			// next pass.
			continue
		}
		exists, err := c.meta.Exists(ctx, tx.RecordID)
		if err != nil {
			return removed, fmt.Errorf("check record %s: %w", tx.RecordID, err)
		}
		if exists {
			continue
		}
		if err := c.blobs.Delete(ctx, tx.CID); err != nil {
			c.log.Warn().Err(err).Str("record_id", tx.RecordID).Str("cid", tx.CID).Msg("orphan blob delete failed")
			continue
		}
		c.log.Info().Str("record_id", tx.RecordID).Str("cid", tx.CID).Str("tx_id", tx.TxID).
			Msg("reclaimed orphaned blob")
		removed++
	}
	return removed, nil
}

// Reindex rebuilds the search index from the metadata store. Content tokens
// are captured only at creation; a rebuild restores the metadata and title
// tokens that make records findable.
func (c *Coordinator) Reindex(ctx context.Context) (int, error) {
	recs, err := c.meta.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range recs {
		rec := &recs[i]
		doc := model.SearchDocument{
			ID:        rec.RecordID,
			Tokens:    search.MetadataTokens(rec),
			PatientID: rec.PatientID,
			CreatorID: rec.CreatorID,
			FileType:  rec.FileType,
			Status:    rec.Status,
			UpdatedAt: rec.UpdatedAt,
		}
		if err := c.index.Index(ctx, doc); err != nil {
			return count, fmt.Errorf("index record %s: %w", rec.RecordID, err)
		}
		count++
	}
	return count, nil
}

func (c *Coordinator) requirePermission(ctx context.Context, rec *model.Record, userID string, permission model.Permission) error {
	acl, err := c.meta.ListAccess(ctx, rec.RecordID)
	if err != nil {
		return err
	}
	if !accessctl.Check(rec, acl, userID, permission, time.Now().UTC()) {
		c.log.Warn().Str("record_id", rec.RecordID).Str("user_id", userID).Str("permission", string(permission)).
			Msg("access denied")
		return errs.Errorf(errs.KindAccessDenied, "coordinator", "%s lacks %s on %s", userID, permission, rec.RecordID)
	}
	return nil
}

func validateCreate(req CreateRequest, maxSize int64) error {
	switch {
	case len(req.Content) == 0:
		return errs.Errorf(errs.KindValidation, "coordinator.Create", "empty content")
	case int64(len(req.Content)) > maxSize:
		return errs.Errorf(errs.KindValidation, "coordinator.Create", "content exceeds %d bytes", maxSize)
	case req.PatientID == "":
		return errs.Errorf(errs.KindValidation, "coordinator.Create", "missing patient id")
	case req.CreatorID == "":
		return errs.Errorf(errs.KindValidation, "coordinator.Create", "missing creator id")
	case req.FileType == "":
		return errs.Errorf(errs.KindValidation, "coordinator.Create", "missing file type")
	}
	return nil
}

func validateAccessUpdate(upd AccessUpdate) error {
	if upd.GranteeID == "" {
		return errs.Errorf(errs.KindValidation, "coordinator.UpdateAccess", "missing grantee id")
	}
	switch upd.Permission {
	case model.PermissionRead, model.PermissionShare:
	default:
		return errs.Errorf(errs.KindValidation, "coordinator.UpdateAccess", "unknown permission %q", upd.Permission)
	}
	switch upd.Action {
	case ActionGrant, ActionRevoke:
	default:
		return errs.Errorf(errs.KindValidation, "coordinator.UpdateAccess", "unknown action %q", upd.Action)
	}
	if upd.ExpiresAt != nil && !upd.ExpiresAt.After(time.Now().UTC()) {
		return errs.Errorf(errs.KindValidation, "coordinator.UpdateAccess", "expiry is in the past")
	}
	return nil
}

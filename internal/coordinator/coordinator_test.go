package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/blobstore"
	"github.com/recordvault/recordvault/internal/crypto"
	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/ledger"
	"github.com/recordvault/recordvault/internal/model"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/search"
)

type fakeTasks struct {
	mu        sync.Mutex
	indexed   []queue.IndexPayload
	audits    []ledger.Transaction
	failIndex error
}

func (f *fakeTasks) EnqueueIndex(ctx context.Context, payload queue.IndexPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIndex != nil {
		return f.failIndex
	}
	f.indexed = append(f.indexed, payload)
	return nil
}

func (f *fakeTasks) EnqueueAudit(ctx context.Context, tx ledger.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, tx)
	return nil
}

type testEnv struct {
	meta   *memMeta
	blobs  *blobstore.MemoryStore
	ledger *ledger.MemoryLedger
	crypto *crypto.Service
	index  *search.MemoryIndex
	tasks  *fakeTasks
	coord  *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	svc, err := crypto.NewService(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	env := &testEnv{
		meta:   newMemMeta(),
		blobs:  blobstore.NewMemory(),
		ledger: ledger.NewMemory(),
		crypto: svc,
		index:  search.NewMemoryIndex(),
		tasks:  &fakeTasks{},
	}
	env.coord = New(env.meta, env.blobs, env.ledger, env.crypto, env.index, env.tasks,
		zerolog.Nop(), Options{VerifyLedgerOnRead: true, ReconcileGrace: time.Minute})
	return env
}

// flushIndex applies pending index payloads the way the background worker
// would.
func (env *testEnv) flushIndex(t *testing.T) {
	t.Helper()
	env.tasks.mu.Lock()
	pending := env.tasks.indexed
	env.tasks.indexed = nil
	env.tasks.mu.Unlock()
	for _, payload := range pending {
		rec, err := env.meta.Get(context.Background(), payload.RecordID)
		require.NoError(t, err)
		doc := model.SearchDocument{
			ID:        rec.RecordID,
			Tokens:    search.MergeTokens(payload.Tokens, search.MetadataTokens(rec)),
			PatientID: rec.PatientID,
			CreatorID: rec.CreatorID,
			FileType:  rec.FileType,
			Status:    rec.Status,
			UpdatedAt: rec.UpdatedAt,
		}
		require.NoError(t, env.index.Index(context.Background(), doc))
	}
}

func sampleRequest() CreateRequest {
	return CreateRequest{
		Content:   []byte("blood panel results: hemoglobin within range"),
		PatientID: "patient-1",
		CreatorID: "doctor-1",
		FileType:  "text/plain",
		Title:     "Blood Panel",
	}
}

func TestCreateAndDownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := sampleRequest()

	res, err := env.coord.Create(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RecordID)
	assert.NotEmpty(t, res.TxID)
	blob := mustEncryptLen(t, env, res, req)
	assert.Equal(t, blobstore.ComputeCID(blob), res.CID)
	assert.Contains(t, res.CID, "sha256:")
	assert.Equal(t, 1, env.ledger.Len())
	assert.Equal(t, 1, env.blobs.Len())

	got, err := env.coord.Download(ctx, res.RecordID, "doctor-1")
	require.NoError(t, err)
	assert.Equal(t, req.Content, got)

	// The patient co-owns the record and can read it too.
	got, err = env.coord.Download(ctx, res.RecordID, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, req.Content, got)

	rec, err := env.coord.GetMetadata(ctx, res.RecordID, "doctor-1")
	require.NoError(t, err)
	assert.Equal(t, crypto.Digest(req.Content), rec.ContentHash)
	assert.Equal(t, model.StatusActive, rec.Status)
}

// mustEncryptLen only sanity-checks that the stored blob is ciphertext, not
// the plaintext.
func mustEncryptLen(t *testing.T, env *testEnv, res *CreateResult, req CreateRequest) []byte {
	t.Helper()
	blob, err := env.blobs.Get(context.Background(), res.CID)
	require.NoError(t, err)
	assert.NotEqual(t, req.Content, blob)
	return blob
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"empty content", func(r *CreateRequest) { r.Content = nil }},
		{"missing patient", func(r *CreateRequest) { r.PatientID = "" }},
		{"missing creator", func(r *CreateRequest) { r.CreatorID = "" }},
		{"missing file type", func(r *CreateRequest) { r.FileType = "" }},
		{"oversized content", func(r *CreateRequest) { r.Content = bytes.Repeat([]byte("x"), 26<<20) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := sampleRequest()
			tc.mutate(&req)
			_, err := env.coord.Create(ctx, req)
			assert.True(t, errs.IsKind(err, errs.KindValidation), "got %v", err)
		})
	}
	assert.Equal(t, 0, env.ledger.Len())
	assert.Equal(t, 0, env.blobs.Len())
}

func TestCreateBlobFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	env.blobs.FailPut = errors.New("connection refused")

	_, err := env.coord.Create(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBlobUnavailable))
	assert.True(t, errs.Retryable(err))
	assert.Equal(t, 0, env.ledger.Len())
	recs, err := env.meta.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCreateLedgerFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.FailSubmit = errors.New("peer unreachable")

	_, err := env.coord.Create(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLedgerUnavailable))
	recs, err := env.meta.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	// The blob is orphaned until reconcile; nothing is visible to readers.
	assert.Equal(t, 1, env.blobs.Len())
}

func TestSubmitCreateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hash := crypto.Digest([]byte("payload"))

	txID, err := env.coord.submitCreate(ctx, "rec-1", hash, "sha256:aaa")
	require.NoError(t, err)
	again, err := env.coord.submitCreate(ctx, "rec-1", hash, "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, txID, again)
	assert.Equal(t, 1, env.ledger.Len())

	_, err = env.coord.submitCreate(ctx, "rec-1", crypto.Digest([]byte("other")), "sha256:bbb")
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))
}

func TestDownloadDeniedForStranger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	_, err = env.coord.Download(ctx, res.RecordID, "stranger")
	assert.True(t, errs.IsKind(err, errs.KindAccessDenied))

	_, err = env.coord.Download(ctx, "no-such-record", "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestGrantAndRevokeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	grant := AccessUpdate{GranteeID: "specialist-1", Permission: model.PermissionRead, Action: ActionGrant}
	acl, err := env.coord.UpdateAccess(ctx, res.RecordID, grant, "doctor-1")
	require.NoError(t, err)
	require.Len(t, acl, 1)
	assert.Equal(t, "specialist-1", acl[0].GranteeID)

	got, err := env.coord.Download(ctx, res.RecordID, "specialist-1")
	require.NoError(t, err)
	assert.Equal(t, sampleRequest().Content, got)

	// READ does not confer SHARE.
	_, err = env.coord.UpdateAccess(ctx, res.RecordID,
		AccessUpdate{GranteeID: "other", Permission: model.PermissionRead, Action: ActionGrant}, "specialist-1")
	assert.True(t, errs.IsKind(err, errs.KindAccessDenied))

	revoke := AccessUpdate{GranteeID: "specialist-1", Permission: model.PermissionRead, Action: ActionRevoke}
	acl, err = env.coord.UpdateAccess(ctx, res.RecordID, revoke, "doctor-1")
	require.NoError(t, err)
	assert.Empty(t, acl)
	assert.False(t, env.meta.hasWrappedKey(res.RecordID, "specialist-1"))

	_, err = env.coord.Download(ctx, res.RecordID, "specialist-1")
	assert.True(t, errs.IsKind(err, errs.KindAccessDenied))

	// Both mutations landed on the audit queue.
	env.tasks.mu.Lock()
	defer env.tasks.mu.Unlock()
	require.Len(t, env.tasks.audits, 2)
	assert.Equal(t, ledger.TxGrantAccess, env.tasks.audits[0].Type)
	assert.Equal(t, ledger.TxRevokeAccess, env.tasks.audits[1].Type)
}

func TestPatientCanShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	grant := AccessUpdate{GranteeID: "relative-1", Permission: model.PermissionRead, Action: ActionGrant}
	_, err = env.coord.UpdateAccess(ctx, res.RecordID, grant, "patient-1")
	require.NoError(t, err)

	_, err = env.coord.Download(ctx, res.RecordID, "relative-1")
	assert.NoError(t, err)
}

func TestUpdateAccessValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	cases := []struct {
		name string
		upd  AccessUpdate
	}{
		{"missing grantee", AccessUpdate{Permission: model.PermissionRead, Action: ActionGrant}},
		{"unknown permission", AccessUpdate{GranteeID: "u", Permission: "WRITE", Action: ActionGrant}},
		{"unknown action", AccessUpdate{GranteeID: "u", Permission: model.PermissionRead, Action: "TOGGLE"}},
		{"expiry in the past", AccessUpdate{GranteeID: "u", Permission: model.PermissionRead, Action: ActionGrant, ExpiresAt: &past}},
		{"grantee owns record", AccessUpdate{GranteeID: "patient-1", Permission: model.PermissionRead, Action: ActionGrant}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.coord.UpdateAccess(ctx, res.RecordID, tc.upd, "doctor-1")
			assert.True(t, errs.IsKind(err, errs.KindValidation), "got %v", err)
		})
	}
}

func TestGrantWithExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	expiry := time.Now().UTC().Add(time.Hour)
	grant := AccessUpdate{GranteeID: "locum-1", Permission: model.PermissionRead, Action: ActionGrant, ExpiresAt: &expiry}
	acl, err := env.coord.UpdateAccess(ctx, res.RecordID, grant, "doctor-1")
	require.NoError(t, err)
	require.Len(t, acl, 1)
	require.NotNil(t, acl[0].ExpiresAt)

	_, err = env.coord.Download(ctx, res.RecordID, "locum-1")
	assert.NoError(t, err)
}

func TestUpdateAccessRetriesOnConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	grant := AccessUpdate{GranteeID: "specialist-1", Permission: model.PermissionRead, Action: ActionGrant}

	env.meta.conflictMutations = 1
	_, err = env.coord.UpdateAccess(ctx, res.RecordID, grant, "doctor-1")
	assert.NoError(t, err, "one lost version check should be retried")

	env.meta.conflictMutations = 2
	_, err = env.coord.UpdateAccess(ctx, res.RecordID,
		AccessUpdate{GranteeID: "specialist-2", Permission: model.PermissionRead, Action: ActionGrant}, "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestDownloadCorruptBlobIsIntegrityViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	require.True(t, env.blobs.Corrupt(res.CID))
	_, err = env.coord.Download(ctx, res.RecordID, "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))
	assert.False(t, errs.Retryable(err))
}

func TestDownloadLedgerMismatchIsIntegrityViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	require.True(t, env.ledger.Tamper(ledger.CreateKey(res.RecordID), crypto.Digest([]byte("forged"))))
	_, err = env.coord.Download(ctx, res.RecordID, "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))

	err = env.coord.VerifyIntegrity(ctx, res.RecordID)
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))
}

func TestDownloadMissingBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	require.NoError(t, env.blobs.Delete(ctx, res.CID))
	_, err = env.coord.Download(ctx, res.RecordID, "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindBlobMissing))
}

func TestVerifyIntegrityCleanRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)
	assert.NoError(t, env.coord.VerifyIntegrity(ctx, res.RecordID))
}

func TestArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	err = env.coord.Archive(ctx, res.RecordID, "stranger")
	assert.True(t, errs.IsKind(err, errs.KindAccessDenied))

	require.NoError(t, env.coord.Archive(ctx, res.RecordID, "doctor-1"))
	// Archiving again is a no-op.
	require.NoError(t, env.coord.Archive(ctx, res.RecordID, "doctor-1"))

	_, err = env.coord.Download(ctx, res.RecordID, "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	rec, err := env.coord.GetMetadata(ctx, res.RecordID, "doctor-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, rec.Status)
}

func TestSearchRespectsACL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	// The index lags behind creation until the worker runs.
	hits, err := env.coord.Search(ctx, "hemoglobin", "doctor-1")
	require.NoError(t, err)
	assert.Empty(t, hits)

	env.flushIndex(t)

	hits, err = env.coord.Search(ctx, "hemoglobin", "doctor-1")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.RecordID, hits[0].RecordID)

	// Index hits a stranger cannot read are filtered out.
	hits, err = env.coord.Search(ctx, "hemoglobin", "stranger")
	require.NoError(t, err)
	assert.Empty(t, hits)

	grant := AccessUpdate{GranteeID: "stranger", Permission: model.PermissionRead, Action: ActionGrant}
	_, err = env.coord.UpdateAccess(ctx, res.RecordID, grant, "doctor-1")
	require.NoError(t, err)
	hits, err = env.coord.Search(ctx, "hemoglobin", "stranger")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = env.coord.Search(ctx, "   ", "doctor-1")
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestSearchExcludesArchived(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)
	env.flushIndex(t)

	require.NoError(t, env.coord.Archive(ctx, res.RecordID, "doctor-1"))

	// The index still holds the stale document; the status filter hides it.
	hits, err := env.coord.Search(ctx, "hemoglobin", "doctor-1")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestListByPatient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)
	second := sampleRequest()
	second.Title = "Follow-up"
	second.Content = []byte("follow-up consult notes")
	_, err = env.coord.Create(ctx, second)
	require.NoError(t, err)
	other := sampleRequest()
	other.PatientID = "patient-2"
	other.Content = []byte("unrelated imaging report")
	_, err = env.coord.Create(ctx, other)
	require.NoError(t, err)

	recs, err := env.coord.ListByPatient(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = env.coord.ListByPatient(ctx, "patient-1", "patient-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = env.coord.ListByPatient(ctx, "patient-1", "stranger")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestACLSnapshotKeepsRevocationMarkers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	grant := AccessUpdate{GranteeID: "specialist-1", Permission: model.PermissionRead, Action: ActionGrant}
	_, err = env.coord.UpdateAccess(ctx, res.RecordID, grant, "doctor-1")
	require.NoError(t, err)
	revoke := AccessUpdate{GranteeID: "specialist-1", Permission: model.PermissionRead, Action: ActionRevoke}
	_, err = env.coord.UpdateAccess(ctx, res.RecordID, revoke, "doctor-1")
	require.NoError(t, err)

	snapshot, err := env.coord.ACLSnapshot(ctx, res.RecordID, "doctor-1")
	require.NoError(t, err)
	assert.Len(t, snapshot, 2, "grant and revocation marker both retained")

	_, err = env.coord.ACLSnapshot(ctx, res.RecordID, "stranger")
	assert.True(t, errs.IsKind(err, errs.KindAccessDenied))
}

func TestReconcileRemovesOrphanedBlobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A committed record's blob must survive the pass.
	res, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)

	// An orphan: ledger entry and blob with no metadata row, older than the
	// grace window.
	orphanCID, err := env.blobs.Put(ctx, []byte("abandoned ciphertext"))
	require.NoError(t, err)
	_, err = env.ledger.Submit(ctx, ledger.Transaction{
		Type:           ledger.TxCreateRecord,
		IdempotencyKey: ledger.CreateKey("orphan-1"),
		RecordID:       "orphan-1",
		ContentHash:    crypto.Digest([]byte("abandoned")),
		CID:            orphanCID,
		SubmittedAt:    time.Now().UTC().Add(-2 * time.Minute),
	})
	require.NoError(t, err)

	// A fresh entry inside the grace window stays untouched.
	freshCID, err := env.blobs.Put(ctx, []byte("in-flight ciphertext"))
	require.NoError(t, err)
	_, err = env.ledger.Submit(ctx, ledger.Transaction{
		Type:           ledger.TxCreateRecord,
		IdempotencyKey: ledger.CreateKey("in-flight-1"),
		RecordID:       "in-flight-1",
		ContentHash:    crypto.Digest([]byte("in-flight")),
		CID:            freshCID,
	})
	require.NoError(t, err)

	removed, err := env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = env.blobs.Get(ctx, orphanCID)
	assert.True(t, errs.IsKind(err, errs.KindBlobMissing))
	_, err = env.blobs.Get(ctx, freshCID)
	assert.NoError(t, err)
	_, err = env.blobs.Get(ctx, res.CID)
	assert.NoError(t, err)

	// Running again finds nothing new until the fresh entry ages out.
	removed, err = env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestReconcileAfterFailedMetadataCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.meta.failCreate = errors.New("database restarting")
	_, err := env.coord.Create(ctx, sampleRequest())
	require.Error(t, err)
	assert.Equal(t, 1, env.ledger.Len())
	assert.Equal(t, 1, env.blobs.Len())

	// Within the grace window nothing is touched.
	removed, err := env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// With the window elapsed, the orphaned blob is reclaimed but the ledger
	// entry stays.
	impatient := New(env.meta, env.blobs, env.ledger, env.crypto, env.index, env.tasks,
		zerolog.Nop(), Options{ReconcileGrace: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	removed, err = impatient.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, env.blobs.Len())
	assert.Equal(t, 1, env.ledger.Len())
}

func TestIndexEnqueueFailureDoesNotFailCreate(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.failIndex = errors.New("redis down")

	res, err := env.coord.Create(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RecordID)
}

func TestReindexRebuildsFromMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.coord.Create(ctx, sampleRequest())
	require.NoError(t, err)
	other := sampleRequest()
	other.Title = "Discharge Summary"
	other.Content = []byte("discharge summary text")
	_, err = env.coord.Create(ctx, other)
	require.NoError(t, err)

	count, err := env.coord.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	hits, err := env.coord.Search(ctx, "discharge", "doctor-1")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/model"
)

// memMeta is an in-memory MetadataStore mirroring the repository's
// optimistic-concurrency behavior, so coordinator tests run without
// Postgres.
type memMeta struct {
	mu      sync.Mutex
	records map[string]*model.Record
	acl     map[string][]model.AccessEntry
	keys    map[string][]byte

	// failCreate is returned from the next Create call, simulating a
	// metadata commit failure after blob and ledger writes succeeded.
	failCreate error
	// conflictMutations forces that many ACL/status mutations to lose
	// the version check before one succeeds.
	conflictMutations int
}

func newMemMeta() *memMeta {
	return &memMeta{
		records: make(map[string]*model.Record),
		acl:     make(map[string][]model.AccessEntry),
		keys:    make(map[string][]byte),
	}
}

func keyID(recordID, granteeID string) string { return recordID + "|" + granteeID }

func (m *memMeta) Exists(ctx context.Context, recordID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[recordID]
	return ok, nil
}

func (m *memMeta) Create(ctx context.Context, rec *model.Record, wrappedKeys map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		err := m.failCreate
		m.failCreate = nil
		return err
	}
	now := time.Now().UTC()
	rec.Status = model.StatusActive
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := *rec
	m.records[rec.RecordID] = &stored
	for granteeID, wrapped := range wrappedKeys {
		m.keys[keyID(rec.RecordID, granteeID)] = wrapped
	}
	return nil
}

func (m *memMeta) Get(ctx context.Context, recordID string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "memmeta.Get", "record %s", recordID)
	}
	cp := *rec
	return &cp, nil
}

func (m *memMeta) ListByPatient(ctx context.Context, patientID string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Record
	for _, rec := range m.records {
		if rec.PatientID == patientID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memMeta) ListActive(ctx context.Context) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Record
	for _, rec := range m.records {
		if rec.Status == model.StatusActive {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memMeta) UpdateStatus(ctx context.Context, recordID string, status model.RecordStatus, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return errs.Errorf(errs.KindNotFound, "memmeta.UpdateStatus", "record %s", recordID)
	}
	if err := m.checkVersion(rec, version); err != nil {
		return err
	}
	rec.Status = status
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memMeta) ListAccess(ctx context.Context, recordID string) ([]model.AccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AccessEntry(nil), m.acl[recordID]...), nil
}

func (m *memMeta) ApplyGrant(ctx context.Context, rec *model.Record, entry model.AccessEntry, wrappedKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.RecordID]
	if !ok {
		return errs.Errorf(errs.KindNotFound, "memmeta.ApplyGrant", "record %s", rec.RecordID)
	}
	if err := m.checkVersion(stored, rec.Version); err != nil {
		return err
	}
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	acl := m.acl[rec.RecordID]
	for i := range acl {
		if acl[i].GranteeID == entry.GranteeID && acl[i].Permission == entry.Permission {
			acl[i].Revoked = true
		}
	}
	m.acl[rec.RecordID] = append(acl, entry)
	m.keys[keyID(rec.RecordID, entry.GranteeID)] = wrappedKey
	return nil
}

func (m *memMeta) ApplyRevoke(ctx context.Context, rec *model.Record, granteeID string, permission model.Permission, revokedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.RecordID]
	if !ok {
		return errs.Errorf(errs.KindNotFound, "memmeta.ApplyRevoke", "record %s", rec.RecordID)
	}
	if err := m.checkVersion(stored, rec.Version); err != nil {
		return err
	}
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	acl := m.acl[rec.RecordID]
	for i := range acl {
		if acl[i].GranteeID == granteeID && acl[i].Permission == permission {
			acl[i].Revoked = true
		}
	}
	m.acl[rec.RecordID] = append(acl, model.AccessEntry{
		RecordID:   rec.RecordID,
		GranteeID:  granteeID,
		Permission: permission,
		GrantedBy:  revokedBy,
		GrantedAt:  at,
		Revoked:    true,
	})
	remaining := 0
	for _, e := range m.acl[rec.RecordID] {
		if e.GranteeID == granteeID && !e.Revoked && (e.ExpiresAt == nil || e.ExpiresAt.After(at)) {
			remaining++
		}
	}
	if remaining == 0 {
		delete(m.keys, keyID(rec.RecordID, granteeID))
	}
	return nil
}

func (m *memMeta) GetWrappedKey(ctx context.Context, recordID, granteeID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wrapped, ok := m.keys[keyID(recordID, granteeID)]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "memmeta.GetWrappedKey", "no key for %s on %s", granteeID, recordID)
	}
	return wrapped, nil
}

func (m *memMeta) hasWrappedKey(recordID, granteeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[keyID(recordID, granteeID)]
	return ok
}

func (m *memMeta) checkVersion(stored *model.Record, version int64) error {
	if m.conflictMutations > 0 {
		m.conflictMutations--
		// The concurrent winner bumped the version underneath us.
		stored.Version++
		return errs.Errorf(errs.KindConflict, "memmeta", "record %s version %d", stored.RecordID, version)
	}
	if stored.Version != version {
		return errs.Errorf(errs.KindConflict, "memmeta", "record %s version %d", stored.RecordID, version)
	}
	return nil
}

// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// RecordStatus describes the lifecycle of a medical record. Content is
// immutable once a record is active; only status and the ACL may change.
type RecordStatus string

const (
	StatusActive   RecordStatus = "ACTIVE"
	StatusRevoked  RecordStatus = "REVOKED"
	StatusArchived RecordStatus = "ARCHIVED"
)

// Permission is the level of access an ACL entry grants.
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionShare Permission = "SHARE"
)

// Record holds the metadata row for one stored record. CID addresses the
// encrypted blob, TxID references the ledger transaction anchoring the
// record, and ContentHash is the digest of the plaintext. Version backs
// optimistic concurrency on updates.
type Record struct {
	RecordID    string       `json:"recordId"`
	PatientID   string       `json:"patientId"`
	CreatorID   string       `json:"creatorId"`
	FileType    string       `json:"fileType"`
	Title       string       `json:"title"`
	ContentHash string       `json:"contentHash"`
	CID         string       `json:"cid"`
	TxID        string       `json:"txId"`
	Status      RecordStatus `json:"status"`
	Version     int64        `json:"-"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// IsOwner reports whether userID implicitly holds READ+SHARE on the record.
// Owners are never represented as explicit ACL entries.
func (r *Record) IsOwner(userID string) bool {
	return userID == r.CreatorID || userID == r.PatientID
}

// AccessEntry is one row of a record's access-control list. A revocation is
// its own entry with Revoked set and a newer GrantedAt, so the most recent
// entry per (grantee, permission) determines the outcome.
type AccessEntry struct {
	RecordID   string     `json:"recordId"`
	GranteeID  string     `json:"granteeId"`
	Permission Permission `json:"permission"`
	GrantedBy  string     `json:"grantedBy"`
	GrantedAt  time.Time  `json:"grantedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// SearchDocument is the derived view handed to the search indexer. It is
// eventually consistent with the metadata store and never a source of truth.
type SearchDocument struct {
	ID        string       `json:"id"`
	Tokens    []string     `json:"tokens"`
	PatientID string       `json:"patientId"`
	CreatorID string       `json:"creatorId"`
	FileType  string       `json:"fileType"`
	Status    RecordStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

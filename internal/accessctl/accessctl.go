// Package accessctl evaluates access policy over a record's ACL. Check is a
// pure function of its arguments so it can be tested with nothing but an
// entry slice and a clock value.
package accessctl

import (
	"time"

	"github.com/recordvault/recordvault/internal/model"
)

// Check reports whether userID holds the permission on the record at the
// given instant. Owners (creator and patient) implicitly hold READ and
// SHARE. For everyone else the most recent entry for (userID, permission)
// decides: a revocation is its own newer entry, so "most recent wins"
// naturally makes a later revoke override an earlier grant, and a later
// re-grant override the revoke.
func Check(rec *model.Record, acl []model.AccessEntry, userID string, permission model.Permission, now time.Time) bool {
	if rec.IsOwner(userID) {
		return true
	}
	var latest *model.AccessEntry
	for i := range acl {
		entry := &acl[i]
		if entry.GranteeID != userID || entry.Permission != permission {
			continue
		}
		if latest == nil || entry.GrantedAt.After(latest.GrantedAt) {
			latest = entry
		}
	}
	if latest == nil || latest.Revoked {
		return false
	}
	if latest.ExpiresAt != nil && !latest.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ActiveEntries filters the ACL down to entries currently in force,
// collapsing each (grantee, permission) pair to its most recent entry and
// dropping revoked or expired ones.
func ActiveEntries(acl []model.AccessEntry, now time.Time) []model.AccessEntry {
	type pair struct {
		grantee    string
		permission model.Permission
	}
	latest := make(map[pair]model.AccessEntry)
	for _, entry := range acl {
		key := pair{entry.GranteeID, entry.Permission}
		if cur, ok := latest[key]; !ok || entry.GrantedAt.After(cur.GrantedAt) {
			latest[key] = entry
		}
	}
	var out []model.AccessEntry
	for _, entry := range latest {
		if entry.Revoked {
			continue
		}
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

package storage

import "github.com/tonimelisma/syncd/internal/dataset"

// Record is one backend item in a DatasetClient's snapshot.
type Record struct {
	UID  string         `json:"uid"`
	Hash string         `json:"hash"`
	Data dataset.Record `json:"data"`
}

// Op is the kind of change a RecordDiff applies.
type Op string

// Diff operations.
const (
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RecordDiff is the change needed to bring one uid of a client's stored
// snapshot in line with a new snapshot.
type RecordDiff struct {
	Op     Op
	Record Record
	// OldHash is the hash of the stored record being replaced or removed;
	// empty when the uid is new.
	OldHash string
}

// DiffRecords compares two snapshots keyed by uid. A record new or
// hash-different in latest is an update; a record missing from latest is a
// delete. Unchanged records do not appear in the result.
func DiffRecords(local, latest map[string]Record) map[string]RecordDiff {
	diffs := make(map[string]RecordDiff)

	for uid, rec := range latest {
		old, ok := local[uid]
		if ok && old.Hash == rec.Hash {
			continue
		}

		rec.UID = uid
		diffs[uid] = RecordDiff{Op: OpUpdate, Record: rec, OldHash: old.Hash}
	}

	for uid, old := range local {
		if _, ok := latest[uid]; ok {
			continue
		}

		old.UID = uid
		diffs[uid] = RecordDiff{Op: OpDelete, Record: old, OldHash: old.Hash}
	}

	return diffs
}

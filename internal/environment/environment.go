// Package environment implements named environments: a promotable set of
// snapshot references sharing a plan lineage, with gap-checked promotion
// and expiry.
package environment

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/biomunky/sqlmesh/internal/interval"
	"github.com/biomunky/sqlmesh/internal/snapshot"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// Environment is a named, promotable view of the model graph: a set of
// snapshot references plus the plan lineage that produced them.
// It never owns interval state directly; all interval bookkeeping lives on
// the referenced Snapshots.
type Environment struct {
	Name           string
	Snapshots      []snapshot.ID
	StartAt        *int64
	EndAt          *int64
	PlanID         string
	PreviousPlanID string
	ExpirationTS   *int64
	Finalized      bool
	SuffixTarget   string
}

// New creates an unfinalized environment with a freshly generated plan ID.
// previousPlanID should be the PlanID of the environment being replaced, or
// "" for a brand new environment.
func New(name string, snapshots []snapshot.ID, previousPlanID string) *Environment {
	return &Environment{
		Name:           name,
		Snapshots:      snapshots,
		PlanID:         uuid.NewString(),
		PreviousPlanID: previousPlanID,
	}
}

// GapChecker looks up the Snapshot behind an ID, so Promote can compute
// missing intervals without environment depending on a state-store package
// directly (kept as a narrow seam, mirroring render.TableMapper).
type GapChecker interface {
	Lookup(id snapshot.ID) (*snapshot.Snapshot, bool)
}

// SnapshotDiff is the set of snapshot references added and removed by a
// promotion relative to the environment being replaced.
type SnapshotDiff struct {
	Added   []snapshot.ID
	Removed []snapshot.ID
}

// Promote validates and commits env as the new definition for its Name.
// previous is the environment being replaced, or nil for a brand new
// environment; it is used to compute which snapshot references are being
// added or removed, and to scope the no-gaps check.
//
// If noGaps is true, every added incremental snapshot is gap-checked: a
// snapshot whose name is brand new must have no missing intervals across
// [startMS, endMS); a snapshot that replaces a previous version of the same
// name must instead cover everything the previous version covered, checked
// against that version's own interval span rather than the caller-supplied
// window. Snapshots carried over unchanged from previous are not
// re-checked, since they already satisfied this invariant when they were
// first promoted.
func Promote(env *Environment, previous *Environment, checker GapChecker, startMS, endMS, latestMS int64, noGaps bool) (SnapshotDiff, error) {
	diff := diffSnapshots(env, previous)

	if env.Finalized {
		return diff, fmt.Errorf("environment %s: already finalized, cannot re-promote", env.Name)
	}
	if !noGaps {
		return diff, nil
	}

	var prevByName map[string]snapshot.ID
	if previous != nil {
		prevByName = make(map[string]snapshot.ID, len(previous.Snapshots))
		for _, id := range previous.Snapshots {
			prevByName[id.Name] = id
		}
	}

	var missingBySnapshot = map[string][][2]int64{}
	for _, id := range diff.Added {
		snap, ok := checker.Lookup(id)
		if !ok {
			return diff, fmt.Errorf("environment %s: snapshot %s (%s) not found in state store", env.Name, id.Name, id.Fingerprint.DataHash)
		}
		if !snap.Model.Kind.IsIncremental() {
			continue
		}

		checkStart, checkEnd := startMS, endMS
		if oldID, existed := prevByName[id.Name]; existed {
			if oldSnap, ok := checker.Lookup(oldID); ok && len(oldSnap.Intervals) > 0 {
				checkStart = oldSnap.Intervals[0].StartMS
				checkEnd = oldSnap.Intervals[len(oldSnap.Intervals)-1].EndMS
			}
		}

		missing, err := snap.MissingIntervals(checkStart, checkEnd, latestMS, nil)
		if err != nil {
			return diff, err
		}
		if len(missing) > 0 {
			missingBySnapshot[id.Name] = toPairs(missing)
		}
	}

	if len(missingBySnapshot) > 0 {
		names := make([]string, 0, len(missingBySnapshot))
		for name := range missingBySnapshot {
			names = append(names, name)
		}
		sort.Strings(names)
		first := names[0]
		return diff, &sqlerrors.GapError{SnapshotName: first, Missing: missingBySnapshot[first]}
	}
	return diff, nil
}

// diffSnapshots computes which of env's snapshot references are new and
// which of previous's are being dropped, by full SnapshotId (name and
// fingerprint) rather than by name alone.
func diffSnapshots(env *Environment, previous *Environment) SnapshotDiff {
	var prevSet map[snapshot.ID]bool
	if previous != nil {
		prevSet = make(map[snapshot.ID]bool, len(previous.Snapshots))
		for _, id := range previous.Snapshots {
			prevSet[id] = true
		}
	}
	newSet := make(map[snapshot.ID]bool, len(env.Snapshots))
	for _, id := range env.Snapshots {
		newSet[id] = true
	}

	var diff SnapshotDiff
	for _, id := range env.Snapshots {
		if !prevSet[id] {
			diff.Added = append(diff.Added, id)
		}
	}
	if previous != nil {
		for _, id := range previous.Snapshots {
			if !newSet[id] {
				diff.Removed = append(diff.Removed, id)
			}
		}
	}
	return diff
}

func toPairs(l interval.List) [][2]int64 {
	out := make([][2]int64, len(l))
	for i, iv := range l {
		out[i] = [2]int64{iv.StartMS, iv.EndMS}
	}
	return out
}

// Finalize marks env as the environment's durable definition. It is the
// caller's responsibility to have already persisted it; Finalize only flips
// the in-memory flag so a half-written promote cannot be mistaken for a
// completed one.
func (e *Environment) Finalize() {
	e.Finalized = true
}

// Invalidate sets an expiration timestamp on an environment that should no
// longer serve reads but whose physical tables are not yet reclaimed.
func (e *Environment) Invalidate(expireAtMS int64) {
	ts := expireAtMS
	e.ExpirationTS = &ts
}

// Expired reports whether e's expiration has passed as of nowMS.
func (e *Environment) Expired(nowMS int64) bool {
	return e.ExpirationTS != nil && *e.ExpirationTS <= nowMS
}

// SelectExpired filters envs down to those expired as of nowMS, used by the
// state store's delete_expired_environments sweep.
func SelectExpired(envs []*Environment, nowMS int64) []*Environment {
	var out []*Environment
	for _, e := range envs {
		if e.Expired(nowMS) {
			out = append(out, e)
		}
	}
	return out
}

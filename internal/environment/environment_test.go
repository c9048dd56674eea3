package environment

import (
	"errors"
	"testing"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/model"
	"github.com/biomunky/sqlmesh/internal/snapshot"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

type fakeChecker map[snapshot.ID]*snapshot.Snapshot

func (f fakeChecker) Lookup(id snapshot.ID) (*snapshot.Snapshot, bool) {
	s, ok := f[id]
	return s, ok
}

func incrementalModel(name string) *model.Model {
	return &model.Model{
		Name:       name,
		Dialect:    ast.DialectDuckDB,
		Kind:       model.KindIncrementalByTimeRange,
		Cron:       "@daily",
		TimeColumn: "ds",
	}
}

func TestPromoteSkipsGapCheckWhenNoGapsFalse(t *testing.T) {
	env := New("dev", nil, "")
	if _, err := Promote(env, nil, fakeChecker{}, 0, 86400000, 86400000, false); err != nil {
		t.Fatal(err)
	}
}

func TestPromoteFailsOnMissingSnapshotLookup(t *testing.T) {
	id := snapshot.ID{Name: "db.orders", Fingerprint: fingerprint.Fingerprint{DataHash: "d"}}
	env := New("dev", []snapshot.ID{id}, "")
	_, err := Promote(env, nil, fakeChecker{}, 0, 86400000, 86400000, true)
	if err == nil {
		t.Fatal("expected error for unresolved snapshot reference")
	}
}

func TestPromoteDetectsGap(t *testing.T) {
	m := incrementalModel("db.orders")
	s := snapshot.New(m, fingerprint.Fingerprint{DataHash: "d"}, nil, "sqlmesh__default", 0)
	id := s.ID()
	env := New("dev", []snapshot.ID{id}, "")

	_, err := Promote(env, nil, fakeChecker{id: s}, 0, 172800000, 172800000, true)
	var gapErr *sqlerrors.GapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected *sqlerrors.GapError, got %v", err)
	}
	if gapErr.SnapshotName != "db.orders" {
		t.Fatalf("expected gap on db.orders, got %s", gapErr.SnapshotName)
	}
}

func TestPromoteSucceedsWhenFullyCovered(t *testing.T) {
	m := incrementalModel("db.orders")
	s := snapshot.New(m, fingerprint.Fingerprint{DataHash: "d"}, nil, "sqlmesh__default", 0)
	if err := s.AddInterval(0, 172800000, false); err != nil {
		t.Fatal(err)
	}
	id := s.ID()
	env := New("dev", []snapshot.ID{id}, "")

	if _, err := Promote(env, nil, fakeChecker{id: s}, 0, 172800000, 172800000, true); err != nil {
		t.Fatalf("expected no gap error, got %v", err)
	}
}

func TestPromoteRejectsAlreadyFinalized(t *testing.T) {
	env := New("dev", nil, "")
	env.Finalize()
	if _, err := Promote(env, nil, fakeChecker{}, 0, 86400000, 86400000, false); err == nil {
		t.Fatal("expected error promoting an already-finalized environment")
	}
}

func TestPromoteUnchangedSnapshotIsNotReGapChecked(t *testing.T) {
	m := incrementalModel("db.orders")
	s := snapshot.New(m, fingerprint.Fingerprint{DataHash: "d"}, nil, "sqlmesh__default", 0)
	id := s.ID()
	previous := New("dev", []snapshot.ID{id}, "")
	env := New("dev", []snapshot.ID{id}, previous.PlanID)

	if _, err := Promote(env, previous, fakeChecker{id: s}, 0, 172800000, 172800000, true); err != nil {
		t.Fatalf("expected unchanged snapshot to skip gap check, got %v", err)
	}
}

func TestPromoteNewVersionMustCoverPreviousVersionsSpan(t *testing.T) {
	m := incrementalModel("db.orders")

	oldSnap := snapshot.New(m, fingerprint.Fingerprint{DataHash: "old"}, nil, "sqlmesh__default", 0)
	if err := oldSnap.AddInterval(0, 259200000, false); err != nil {
		t.Fatal(err)
	}
	oldID := oldSnap.ID()
	previous := New("dev", []snapshot.ID{oldID}, "")

	newSnap := snapshot.New(m, fingerprint.Fingerprint{DataHash: "new"}, nil, "sqlmesh__default", 0)
	if err := newSnap.AddInterval(0, 86400000, false); err != nil {
		t.Fatal(err)
	}
	newID := newSnap.ID()
	env := New("dev", []snapshot.ID{newID}, previous.PlanID)

	checker := fakeChecker{oldID: oldSnap, newID: newSnap}

	// An arbitrary caller window narrower than what the old version covered
	// must not mask the gap: the check is scoped to the old version's span.
	diff, err := Promote(env, previous, checker, 0, 86400000, 259200000, true)
	var gapErr *sqlerrors.GapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected *sqlerrors.GapError for uncovered span inherited from previous version, got %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0] != newID {
		t.Fatalf("expected newID to be the sole addition, got %+v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != oldID {
		t.Fatalf("expected oldID to be the sole removal, got %+v", diff.Removed)
	}

	if err := newSnap.AddInterval(86400000, 259200000, false); err != nil {
		t.Fatal(err)
	}
	if _, err := Promote(env, previous, checker, 0, 86400000, 259200000, true); err != nil {
		t.Fatalf("expected no gap once new version covers old version's full span, got %v", err)
	}
}

func TestSelectExpiredFiltersByTimestamp(t *testing.T) {
	e1 := New("a", nil, "")
	e1.Invalidate(1000)
	e2 := New("b", nil, "")
	e2.Invalidate(5000)

	expired := SelectExpired([]*Environment{e1, e2}, 2000)
	if len(expired) != 1 || expired[0].Name != "a" {
		t.Fatalf("expected only environment a to be expired, got %+v", expired)
	}
}

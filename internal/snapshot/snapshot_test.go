package snapshot

import (
	"testing"
	"time"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/model"
)

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func testModel(name string) *model.Model {
	return &model.Model{
		Name:    name,
		Dialect: ast.DialectDuckDB,
		Kind:    model.KindIncrementalByTimeRange,
		QueryAST: &ast.Query{
			Projections: []ast.Projection{{Expr: "1"}},
			From:        []ast.TableRef{{Name: "db.upstream"}},
		},
		Cron:       "@daily",
		TimeColumn: "ds",
	}
}

func newTestSnapshot() *Snapshot {
	m := testModel("db.orders")
	fp := fingerprint.Fingerprint{DataHash: "d1", MetadataHash: "m1"}
	return New(m, fp, nil, "sqlmesh__default", 1000)
}

func TestCategorizeAsBreakingSetsVersionToDataHash(t *testing.T) {
	s := newTestSnapshot()
	if err := s.CategorizeAs(fingerprint.CategoryBreaking); err != nil {
		t.Fatal(err)
	}
	if s.Version != s.Fingerprint.DataHash {
		t.Fatalf("expected version %q, got %q", s.Fingerprint.DataHash, s.Version)
	}
}

func TestCategorizeAsNonBreakingInheritsPreviousVersion(t *testing.T) {
	s := newTestSnapshot()
	s.PreviousVersions = []VersionEntry{{DataHash: "d0", Version: "v-old", PhysicalSchema: "sqlmesh__default"}}
	if err := s.CategorizeAs(fingerprint.CategoryNonBreaking); err != nil {
		t.Fatal(err)
	}
	if s.Version != "v-old" {
		t.Fatalf("expected inherited version v-old, got %q", s.Version)
	}
}

func TestCategorizeAsRejectsVersionChangingRecategorization(t *testing.T) {
	s := newTestSnapshot()
	if err := s.CategorizeAs(fingerprint.CategoryBreaking); err != nil {
		t.Fatal(err)
	}
	s.Fingerprint.DataHash = "different"
	if err := s.CategorizeAs(fingerprint.CategoryBreaking); err == nil {
		t.Fatal("expected error when re-categorization would change version")
	}
}

func TestTableNameStable(t *testing.T) {
	s := newTestSnapshot()
	if err := s.CategorizeAs(fingerprint.CategoryBreaking); err != nil {
		t.Fatal(err)
	}
	want := "sqlmesh__default.orders__" + s.Version
	if got := s.TableName(false, false); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestTableNameForwardOnlyUsesTempSuffixInDev(t *testing.T) {
	s := newTestSnapshot()
	s.PreviousVersions = []VersionEntry{{DataHash: "d0", Version: "v-old", PhysicalSchema: "sqlmesh__default"}}
	if err := s.CategorizeAs(fingerprint.CategoryForwardOnly); err != nil {
		t.Fatal(err)
	}
	name := s.TableName(true, false)
	if !s.IsTempTableName(name) {
		t.Fatalf("expected dev read of forward-only snapshot to be a temp table name, got %q", name)
	}
}

func TestAddIntervalRoutesDevAndProd(t *testing.T) {
	s := newTestSnapshot()
	if err := s.AddInterval(0, 86400000, false); err != nil {
		t.Fatal(err)
	}
	if err := s.AddInterval(86400000, 172800000, true); err != nil {
		t.Fatal(err)
	}
	if len(s.Intervals) != 1 || len(s.DevIntervals) != 1 {
		t.Fatalf("expected one interval in each of Intervals/DevIntervals, got %+v / %+v", s.Intervals, s.DevIntervals)
	}
}

func TestMergeIntervalsRejectsVersionMismatch(t *testing.T) {
	a := newTestSnapshot()
	a.Version = "v1"
	b := newTestSnapshot()
	b.Version = "v2"
	if err := a.MergeIntervals(b); err == nil {
		t.Fatal("expected error merging intervals across differing versions")
	}
}

func TestMergeIntervalsUnionsWhenVersionsMatch(t *testing.T) {
	a := newTestSnapshot()
	a.Version = "v1"
	if err := a.AddInterval(0, 86400000, false); err != nil {
		t.Fatal(err)
	}
	b := newTestSnapshot()
	b.Version = "v1"
	if err := b.AddInterval(86400000, 172800000, false); err != nil {
		t.Fatal(err)
	}
	if err := a.MergeIntervals(b); err != nil {
		t.Fatal(err)
	}
	if len(a.Intervals) != 1 || a.Intervals[0].EndMS != 172800000 {
		t.Fatalf("expected merged single interval spanning both days, got %+v", a.Intervals)
	}
}

func TestMissingIntervalsClampsToModelStart(t *testing.T) {
	s := newTestSnapshot()
	s.Model.Start = msTime(86400000)
	missing, err := s.MissingIntervals(0, 259200000, 259200000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0].StartMS != 86400000 {
		t.Fatalf("expected missing range clamped to model start, got %+v", missing)
	}
}

func TestUnpauseIsIdempotent(t *testing.T) {
	s := newTestSnapshot()
	s.Unpause(5000)
	first := *s.UnpausedTS
	s.Unpause(9000)
	if *s.UnpausedTS != first {
		t.Fatalf("expected unpaused_ts to stay at %d, got %d", first, *s.UnpausedTS)
	}
}

// Package snapshot implements the Snapshot aggregate: model + fingerprint +
// intervals + version + change category, including physical table naming
// and the paused/unpaused forward-only state machine.
package snapshot

import (
	"fmt"
	"strconv"
	"time"

	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/interval"
	"github.com/biomunky/sqlmesh/internal/model"
)

// ID uniquely identifies a snapshot by name and fingerprint.
type ID struct {
	Name        string
	Fingerprint fingerprint.Fingerprint
}

// Snapshot is a mutable-by-explicit-operation-only aggregate: its intervals
// are owned exclusively by the snapshot itself; an
// Environment only ever holds a weak reference by ID.
type Snapshot struct {
	Name             string
	Fingerprint      fingerprint.Fingerprint
	Version          string
	PreviousVersions []VersionEntry
	PhysicalSchema   string
	Intervals        interval.List
	DevIntervals     interval.List
	ChangeCategory   fingerprint.ChangeCategory
	CreatedTS        int64
	UpdatedTS        int64
	TTL              time.Duration
	EffectiveFrom    *int64
	UnpausedTS       *int64
	Model            *model.Model
	ParentIDs        []ID
	IndirectVersions map[string]string
}

// VersionEntry is one entry of the previous_versions vector.
type VersionEntry struct {
	DataHash       string
	Version        string
	PhysicalSchema string
}

// ID returns this snapshot's identity.
func (s *Snapshot) ID() ID {
	return ID{Name: s.Name, Fingerprint: s.Fingerprint}
}

// New constructs an UNCATEGORIZED snapshot from a model and fingerprint at
// plan time. Version and PreviousVersions start empty: the caller fills
// PreviousVersions from the state store and CategorizeAs assigns Version.
func New(m *model.Model, fp fingerprint.Fingerprint, parentIDs []ID, physicalSchema string, nowMS int64) *Snapshot {
	return &Snapshot{
		Name:           m.Name,
		Fingerprint:    fp,
		PhysicalSchema: physicalSchema,
		Model:          m,
		ParentIDs:      parentIDs,
		CreatedTS:      nowMS,
		UpdatedTS:      nowMS,
	}
}

// CategorizeAs assigns change_category and updates version per these rules:
//   - BREAKING: version := data_hash
//   - NON_BREAKING / INDIRECT_NON_BREAKING / METADATA: inherit version from
//     the most recent previous_versions entry sharing this data_hash; with
//     no such entry, from the most recent entry of any data_hash; with no
//     entries at all (first categorization), version := data_hash.
//   - FORWARD_ONLY: inherit version but the snapshot materializes to a temp
//     physical table (see TableName).
//
// Re-categorization after the first is only allowed if it preserves
// version (metadata-only updates); any other re-categorization that would
// change version returns an error.
func (s *Snapshot) CategorizeAs(cat fingerprint.ChangeCategory) error {
	var newVersion string
	switch cat {
	case fingerprint.CategoryBreaking:
		newVersion = s.Fingerprint.DataHash
	case fingerprint.CategoryNonBreaking, fingerprint.CategoryIndirectNonBreaking, fingerprint.CategoryMetadata:
		newVersion = s.inheritedVersion()
	case fingerprint.CategoryForwardOnly:
		newVersion = s.inheritedVersion()
	case fingerprint.CategoryIndirectBreaking:
		newVersion = s.Fingerprint.DataHash
	default:
		return fmt.Errorf("snapshot %s: cannot categorize as %q", s.Name, cat)
	}

	if s.ChangeCategory != "" && s.Version != "" && s.Version != newVersion {
		return fmt.Errorf("snapshot %s: re-categorization from %s to %s would change version (%s -> %s)",
			s.Name, s.ChangeCategory, cat, s.Version, newVersion)
	}

	s.ChangeCategory = cat
	s.Version = newVersion
	return nil
}

func (s *Snapshot) inheritedVersion() string {
	for i := len(s.PreviousVersions) - 1; i >= 0; i-- {
		if pv := s.PreviousVersions[i]; pv.DataHash == s.Fingerprint.DataHash {
			return pv.Version
		}
	}
	if len(s.PreviousVersions) > 0 {
		return s.PreviousVersions[len(s.PreviousVersions)-1].Version
	}
	return s.Fingerprint.DataHash
}

// DataVersion is a cheap (data_hash, version) view for callers that need to
// detect a data-only republish without walking ChangeCategory (SPEC_FULL
// supplement, grounded in original_source/tests/core/test_snapshot.py).
type DataVersion struct {
	DataHash string
	Version  string
}

func (s *Snapshot) DataVersion() DataVersion {
	return DataVersion{DataHash: s.Fingerprint.DataHash, Version: s.Version}
}

// schemaOrDefault returns the effective physical schema, defaulting to
// "sqlmesh__default" unless one was set explicitly, but honoring a
// forward-only lineage's persisted schema from previous_versions[0].
func (s *Snapshot) schemaOrDefault() string {
	if s.PhysicalSchema != "" {
		return s.PhysicalSchema
	}
	if len(s.PreviousVersions) > 0 && s.PreviousVersions[0].PhysicalSchema != "" {
		return s.PreviousVersions[0].PhysicalSchema
	}
	return "sqlmesh__default"
}

// TableName derives the deterministic physical table name for this
// snapshot. forwardOnlyTemp controls whether a FORWARD_ONLY
// snapshot materializes to its "__temp" form: true for dev reads/writes and
// for any write performed during forward-only evaluation before it is
// unpaused.
func (s *Snapshot) TableName(isDev, forwardOnlyTemp bool) string {
	schema := s.schemaOrDefault()
	short := s.Model.ShortName()
	if s.ChangeCategory == fingerprint.CategoryForwardOnly && (isDev || forwardOnlyTemp) {
		suffix := fingerprintSuffix(s.Fingerprint)
		return fmt.Sprintf("%s.%s__%s__temp", schema, short, suffix)
	}
	return fmt.Sprintf("%s.%s__%s", schema, short, s.Version)
}

// IsTempTableName reports whether name matches this snapshot's forward-only
// temp table form (SPEC_FULL supplement, grounded in
// original_source/tests/core/test_snapshot.py's is_temp_table_name).
func (s *Snapshot) IsTempTableName(name string) bool {
	return name == s.TableName(true, true)
}

func fingerprintSuffix(fp fingerprint.Fingerprint) string {
	return strconv.FormatUint(uint64(len(fp.DataHash))*31+hashString(fp.DataHash), 10)
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// TableMapping implements render.TableMapper so a snapshot can resolve its
// own name to its physical table for the renderer's table-resolution step.
func (s *Snapshot) TableMapping(isDev bool) map[string]string {
	return map[string]string{s.Name: s.TableName(isDev, s.pausedForwardOnly())}
}

func (s *Snapshot) pausedForwardOnly() bool {
	return s.ChangeCategory == fingerprint.CategoryForwardOnly && s.UnpausedTS == nil
}

// Unpause sets unpaused_ts if not already set. Once set it cannot be
// cleared.
func (s *Snapshot) Unpause(nowMS int64) {
	if s.UnpausedTS == nil {
		ts := nowMS
		s.UnpausedTS = &ts
	}
}

// AddInterval forwards to interval algebra on Intervals or DevIntervals
// depending on isDev alone; ChangeCategory and UnpausedTS are not
// consulted.
func (s *Snapshot) AddInterval(startMS, endMS int64, isDev bool) error {
	target := &s.Intervals
	if isDev {
		target = &s.DevIntervals
	}
	merged, err := interval.Add(*target, startMS, endMS)
	if err != nil {
		return err
	}
	*target = merged
	return nil
}

// RemoveInterval subtracts [startMS,endMS) from Intervals. If the
// snapshot's model is self-referential incremental, the removal expands to
// every cadence step in [startMS, latestMS].
func (s *Snapshot) RemoveInterval(startMS, endMS, latestMS int64) error {
	if s.Model.IsSelfReferential() && s.Model.Kind.IsIncremental() {
		cadenceMS, err := cadenceOrDefault(s.Model)
		if err != nil {
			return err
		}
		endMS = latestMS
		if endMS <= startMS {
			endMS = startMS + cadenceMS
		}
	}
	out, err := interval.Remove(s.Intervals, startMS, endMS)
	if err != nil {
		return err
	}
	s.Intervals = out
	return nil
}

// MergeIntervals unions this snapshot's intervals with other's, iff
// versions match. If EffectiveFrom is set and fingerprints differ, only
// intervals strictly before EffectiveFrom are merged.
func (s *Snapshot) MergeIntervals(other *Snapshot) error {
	if s.Version != other.Version {
		return fmt.Errorf("snapshot %s: cannot merge intervals across differing versions (%s vs %s)", s.Name, s.Version, other.Version)
	}
	toMerge := other.Intervals
	if s.EffectiveFrom != nil && s.Fingerprint != other.Fingerprint && *s.EffectiveFrom < maxEndMS(toMerge) {
		cut, err := interval.Remove(toMerge, *s.EffectiveFrom, maxEndMS(toMerge)+1)
		if err != nil {
			return err
		}
		toMerge = cut
	}
	s.Intervals = interval.MergeTwo(s.Intervals, toMerge)
	return nil
}

func maxEndMS(l interval.List) int64 {
	var max int64
	for _, iv := range l {
		if iv.EndMS > max {
			max = iv.EndMS
		}
	}
	return max
}

// MissingIntervals delegates to the interval algebra with the model's
// cadence and lookback; incremental-by-time snapshots additionally clamp
// start to the model's Start field.
func (s *Snapshot) MissingIntervals(startMS, endMS, latestMS int64, restatements map[string]bool) (interval.List, error) {
	if s.Model.Kind == model.KindIncrementalByTimeRange {
		modelStartMS := s.Model.Start.UnixMilli()
		if modelStartMS > startMS {
			startMS = modelStartMS
		}
	}
	cadenceMS, err := cadenceOrDefault(s.Model)
	if err != nil {
		return nil, err
	}
	return interval.Missing(s.Intervals, startMS, endMS, cadenceMS, s.Model.Lookback, s.Name, restatements)
}

func cadenceOrDefault(m *model.Model) (int64, error) {
	return interval.CadenceMS(m.Cron)
}

// Package fingerprint computes the stable data/metadata/parent hashes for a
// Model and classifies old -> new fingerprint transitions.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	hashstructure "github.com/mitchellh/hashstructure/v2"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/model"
)

// Fingerprint is the four-part hash identifying a model's content and
// lineage. All fields are textual decimal encodings of a 32-bit hash, kept
// stable across processes.
type Fingerprint struct {
	DataHash           string
	MetadataHash       string
	ParentDataHash     string
	ParentMetadataHash string
}

// dataHashInputs mirrors the fields data_hash is built from. Field
// order matters: hashstructure hashes struct fields in declaration order,
// so FromModel must always populate these in the same order to keep
// the hash stable across processes.
type dataHashInputs struct {
	CanonicalSQL   string
	Kind           model.Kind
	Dialect        ast.Dialect
	PreStatements  []string
	PostStatements []string
	MacroBodies    []string
	PythonEnv      []string
	AuditsUsed     []string
	ColumnsToTypes []string
	PartitionedBy  []string
	ClusteredBy    []string
	TimeColumn     string
	BatchSize      int
	Lookback       int
	Stamp          string
}

type metadataHashInputs struct {
	Owner              string
	Cron               string
	StartUnixMS        int64
	Tags               []string
	Grain              []string
	AuditsNonBlocking  []string
	Description        string
}

// h32 is the 32-bit non-cryptographic mixing function the data/metadata
// hashes are built from: fnv-1a over the structural hash of the relevant
// input struct, formatted as unsigned decimal text. hashstructure first
// reduces an arbitrary Go value to a uint64 digest deterministically
// (sorting maps, walking slices in order); fnv32a then folds that into the
// 32-bit decimal wire format callers persist and compare.
func h32(v interface{}) (string, error) {
	digest, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash inputs: %w", err)
	}
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(digest >> (8 * i))
	}
	f := fnv.New32a()
	_, _ = f.Write(buf[:])
	return strconv.FormatUint(uint64(f.Sum32()), 10), nil
}

// FromModel computes data_hash and metadata_hash for a single model,
// ignoring its parents.
func FromModel(m *model.Model) (dataHash, metadataHash string, err error) {
	sql := ""
	if m.QueryAST != nil {
		sql = m.QueryAST.CanonicalSQL()
	}

	macroBodies := make([]string, len(m.MacroDefs))
	for i, md := range m.MacroDefs {
		macroBodies[i] = md.Name + "=" + md.Body
	}
	sort.Strings(macroBodies)

	pythonEnv := make([]string, 0, len(m.PythonEnv))
	for name, exe := range m.PythonEnv {
		pythonEnv = append(pythonEnv, fmt.Sprintf("%s:%s:%s:%s", name, exe.Kind, exe.Path, exe.Payload))
	}
	sort.Strings(pythonEnv)

	var auditsUsed, auditsNonBlocking []string
	for _, a := range m.Audits {
		auditsUsed = append(auditsUsed, a.Name)
		if !a.Blocking {
			auditsNonBlocking = append(auditsNonBlocking, a.Name)
		}
	}
	sort.Strings(auditsUsed)
	sort.Strings(auditsNonBlocking)

	columnsToTypes := make([]string, 0, len(m.ColumnsToTypes))
	for col, typ := range m.ColumnsToTypes {
		columnsToTypes = append(columnsToTypes, col+":"+string(typ))
	}
	sort.Strings(columnsToTypes)

	partitionedBy := append([]string(nil), m.PartitionedBy...)
	sort.Strings(partitionedBy)
	clusteredBy := append([]string(nil), m.ClusteredBy...)
	sort.Strings(clusteredBy)

	dataHash, err = h32(dataHashInputs{
		CanonicalSQL:   sql,
		Kind:           m.Kind,
		Dialect:        m.Dialect,
		PreStatements:  m.PreStatements,
		PostStatements: m.PostStatements,
		MacroBodies:    macroBodies,
		PythonEnv:      pythonEnv,
		AuditsUsed:     auditsUsed,
		ColumnsToTypes: columnsToTypes,
		PartitionedBy:  partitionedBy,
		ClusteredBy:    clusteredBy,
		TimeColumn:     m.TimeColumn,
		BatchSize:      m.BatchSize,
		Lookback:       m.Lookback,
		Stamp:          m.Stamp,
	})
	if err != nil {
		return "", "", err
	}

	tags := append([]string(nil), m.Tags...)
	sort.Strings(tags)
	grain := append([]string(nil), m.Grain...)
	sort.Strings(grain)

	metadataHash, err = h32(metadataHashInputs{
		Owner:             m.Owner,
		Cron:              m.Cron,
		StartUnixMS:       m.Start.UnixMilli(),
		Tags:              tags,
		Grain:             grain,
		AuditsNonBlocking: auditsNonBlocking,
		Description:       m.Description,
	})
	if err != nil {
		return "", "", err
	}
	return dataHash, metadataHash, nil
}

// Compute builds the full four-part Fingerprint for m given the
// already-computed fingerprints of its direct upstream models. Parent
// hashes are mixed commutatively: the caller's map iteration order never
// matters because inputs are sorted before hashing.
func Compute(m *model.Model, upstream map[string]Fingerprint) (Fingerprint, error) {
	dataHash, metadataHash, err := FromModel(m)
	if err != nil {
		return Fingerprint{}, err
	}

	parentDataHashes := make([]string, 0, len(upstream))
	parentMetadataHashes := make([]string, 0, len(upstream))
	for _, fp := range upstream {
		parentDataHashes = append(parentDataHashes, fp.DataHash)
		parentMetadataHashes = append(parentMetadataHashes, fp.MetadataHash)
	}
	sort.Strings(parentDataHashes)
	sort.Strings(parentMetadataHashes)

	parentDataHash, err := h32(strings.Join(parentDataHashes, ","))
	if err != nil {
		return Fingerprint{}, err
	}
	parentMetadataHash, err := h32(strings.Join(parentMetadataHashes, ","))
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		DataHash:           dataHash,
		MetadataHash:       metadataHash,
		ParentDataHash:     parentDataHash,
		ParentMetadataHash: parentMetadataHash,
	}, nil
}

// Package render implements macro expansion, table-reference resolution,
// the optimizer pass, and incremental filter injection for a Model's query
// over a given (start, end, latest) window.
package render

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/engine"
	"github.com/biomunky/sqlmesh/internal/model"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// TableMapper resolves a model name to its physical table name for a given
// is_dev flag. Implementations are provided by the snapshot/environment
// layer; the renderer never constructs table names itself, since snapshots
// reference each other by ID only and resolution always goes through the
// store.
type TableMapper interface {
	TableMapping(isDev bool) map[string]string
}

// Window is the (start, end, latest) triple every cache key and template
// context is derived from.
type Window struct {
	Start  time.Time
	End    time.Time
	Latest time.Time
}

func (w Window) key() cacheKey {
	return cacheKey{w.Start.UnixMilli(), w.End.UnixMilli(), w.Latest.UnixMilli()}
}

type cacheKey [3]int64

// Options configure a single Render call.
type Options struct {
	Snapshots       map[string]TableMapper
	Expand          map[string]bool
	IsDev           bool
	Kwargs          map[string]string
	ApplyIncremental bool
}

// Renderer renders a Model's query for a given window, caching the
// post-macro and post-optimize results separately. It is
// safe for concurrent use: the two cache maps are the only mutable shared
// state inside the core.
type Renderer struct {
	model     *model.Model
	parser    ast.Parser
	macroEval MacroEvaluator
	optimizer ast.Optimizer
	schema    ast.SchemaMapping
	adapter   engine.Adapter

	mu             sync.RWMutex
	macroCache     map[cacheKey]*ast.Query
	optimizedCache map[cacheKey]*ast.Query
}

// MacroEvaluator evaluates a model's macro definitions into a transformer
// that can be applied to a parsed Query. The real macro language is an
// external collaborator; this interface is what the renderer depends on.
type MacroEvaluator interface {
	Evaluate(defs []model.MacroDef, pythonEnv map[string]model.Executable, templateCtx map[string]string) (ast.Transformer, error)
}

// New constructs a Renderer for m. schema may be nil, in which case
// optimization always falls back to the non-optimized branch. adapter may
// also be nil: a model whose template body never calls fetchdf renders
// fine without one, and one that does gets a ParsetimeAdapterCall error
// rather than a nil-pointer panic.
func New(m *model.Model, parser ast.Parser, macroEval MacroEvaluator, optimizer ast.Optimizer, schema ast.SchemaMapping, adapter engine.Adapter) *Renderer {
	return &Renderer{
		model:          m,
		parser:         parser,
		macroEval:      macroEval,
		optimizer:      optimizer,
		schema:         schema,
		adapter:        adapter,
		macroCache:     map[cacheKey]*ast.Query{},
		optimizedCache: map[cacheKey]*ast.Query{},
	}
}

// SeedMacroCache and SeedOptimizedCache let tests pre-populate the caches to
// assert on cache-hit behavior without re-deriving a real query.
func (r *Renderer) SeedMacroCache(w Window, q *ast.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.macroCache[w.key()] = q
}

func (r *Renderer) SeedOptimizedCache(w Window, q *ast.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimizedCache[w.key()] = q
}

// RenderQuery runs the full pipeline and returns a single
// subqueryable expression. More than one resulting statement would be an
// error in a grammar that allows multi-statement bodies; this
// implementation's AST type can only ever represent one, so that failure
// mode is structural rather than runtime here.
func (r *Renderer) RenderQuery(w Window, opts Options) (*ast.Query, error) {
	key := w.key()
	bypassOptimizedCache := len(opts.Snapshots) > 0 || len(opts.Expand) > 0

	r.mu.RLock()
	if !bypassOptimizedCache {
		if q, ok := r.optimizedCache[key]; ok {
			r.mu.RUnlock()
			return q.Clone(), nil
		}
	}
	cached, haveMacro := r.macroCache[key]
	r.mu.RUnlock()

	var q *ast.Query
	var err error
	if haveMacro {
		q = cached.Clone()
	} else {
		q, err = r.renderThroughMacros(w, opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.macroCache[key] = q.Clone()
		r.mu.Unlock()
	}

	optimized, err := r.optimizeAndQualify(q, opts)
	if err != nil {
		return nil, err
	}

	resolved, err := r.resolveTables(optimized, opts)
	if err != nil {
		return nil, err
	}

	if opts.ApplyIncremental && r.model.TimeColumn != "" {
		resolved = applyIncrementalFilter(resolved, r.model, w)
	}

	if !bypassOptimizedCache {
		r.mu.Lock()
		r.optimizedCache[key] = resolved.Clone()
		r.mu.Unlock()
	}

	return resolved, nil
}

// renderThroughMacros implements pipeline steps 2-4: template stage, macro
// stage, normalize/qualify/quote.
func (r *Renderer) renderThroughMacros(w Window, opts Options) (*ast.Query, error) {
	templateCtx := templateContext(w, opts)

	rendered, err := r.renderTemplate(templateCtx)
	if err != nil {
		return nil, &sqlerrors.ConfigError{Path: r.model.Name, Err: fmt.Errorf("template stage: %w", err)}
	}
	if strings.TrimSpace(rendered) == "" {
		return &ast.Query{}, nil
	}

	q, err := r.parser.Parse(rendered, r.model.Dialect)
	if err != nil {
		return nil, &sqlerrors.ConfigError{Path: r.model.Name, Err: fmt.Errorf("parse rendered template: %w", err)}
	}

	if r.macroEval != nil && len(r.model.MacroDefs) > 0 {
		transformer, err := r.macroEval.Evaluate(r.model.MacroDefs, r.model.PythonEnv, templateCtx)
		if err != nil {
			return nil, &sqlerrors.MacroEvalError{Path: r.model.Name, Err: err}
		}
		q, err = transformer.Transform(q)
		if err != nil {
			return nil, &sqlerrors.MacroEvalError{Path: r.model.Name, Err: err}
		}
	}

	return normalizeAndQuote(q, r.model.Dialect)
}

func templateContext(w Window, opts Options) map[string]string {
	ctx := map[string]string{
		"start_ds":  w.Start.Format("2006-01-02"),
		"end_ds":    w.End.Format("2006-01-02"),
		"latest_ds": w.Latest.Format("2006-01-02"),
		"start_ts":  w.Start.UTC().Format(time.RFC3339),
		"end_ts":    w.End.UTC().Format(time.RFC3339),
		"is_dev":    fmt.Sprintf("%t", opts.IsDev),
	}
	for k, v := range opts.Kwargs {
		ctx[k] = v
	}
	return ctx
}

// renderTemplate evaluates the model's raw jinja-like expression (stored as
// a Go text/template body in JinjaRegistry["__body__"]) against the
// template context. A model with no template body renders to empty output.
//
// A template that calls fetchdf needs a live engine connection to resolve;
// without one attached to the Renderer, that call fails with
// *sqlerrors.ParsetimeAdapterCall instead of executing against nothing.
// template.FuncMap funcs can't return a typed error through
// text/template's own error wrapping, so the call records it on adapterErr
// and returns empty output, and renderTemplate checks it after Execute.
func (r *Renderer) renderTemplate(ctx map[string]string) (string, error) {
	body, ok := r.model.JinjaRegistry["__body__"]
	if !ok || strings.TrimSpace(body) == "" {
		return "", nil
	}

	var adapterErr error
	funcs := template.FuncMap{
		"fetchdf": func(sql string) string {
			if r.adapter == nil {
				adapterErr = &sqlerrors.ParsetimeAdapterCall{Call: fmt.Sprintf("fetchdf(%s)", sql)}
				return ""
			}
			rows, err := r.adapter.FetchDF(context.Background(), sql)
			if err != nil {
				adapterErr = fmt.Errorf("fetchdf(%s): %w", sql, err)
				return ""
			}
			return fmt.Sprintf("%v", rows)
		},
	}

	tmpl, err := template.New(r.model.Name).Funcs(funcs).Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	if adapterErr != nil {
		return "", adapterErr
	}
	return buf.String(), nil
}

// normalizeAndQuote applies the scoped normalize/quote transformation:
// fold aliases on entry, quote them on every exit path including errors.
// scopedNormalize owns the guarantee.
func normalizeAndQuote(q *ast.Query, dialect ast.Dialect) (result *ast.Query, err error) {
	return scopedNormalize(q, dialect, func(q *ast.Query) (*ast.Query, error) {
		return q, nil
	})
}

// optimizeAndQualify qualifies table references and, where a schema is
// available, pushes column pruning into the query. If any referenced
// dependency lacks a schema entry, optimization is skipped and explicit
// aliases are emitted for every unnamed top-level projection instead.
// Optimizer failures also fall back to the non-optimized branch; the
// optimizer's error is discarded, neither returned nor logged.
func (r *Renderer) optimizeAndQualify(q *ast.Query, opts Options) (*ast.Query, error) {
	if r.optimizer == nil || r.schema == nil || !hasFullSchemaCoverage(q, r.schema) {
		return aliasUnnamedProjections(q), nil
	}
	optimized, err := r.optimizer.Optimize(q, r.schema)
	if err != nil {
		return aliasUnnamedProjections(q), nil
	}
	return optimized, nil
}

func hasFullSchemaCoverage(q *ast.Query, schema ast.SchemaMapping) bool {
	for _, t := range q.Tables() {
		if _, ok := schema[t]; !ok {
			return false
		}
	}
	return true
}

func aliasUnnamedProjections(q *ast.Query) *ast.Query {
	out := q.Clone()
	for i, p := range out.Projections {
		if p.Alias == "" {
			out.Projections[i].Alias = fmt.Sprintf("_col_%d", i)
		}
	}
	return out
}

// resolveTables resolves each referenced model name to its physical table
// via snapshots -> table_mapping(is_dev); names
// in expand (or in snapshots but unmapped) are inlined as a nested
// subquery.
func (r *Renderer) resolveTables(q *ast.Query, opts Options) (*ast.Query, error) {
	out := q.Clone()
	for i, t := range out.From {
		if opts.Expand[t.Name] {
			out.From[i] = ast.TableRef{Name: fmt.Sprintf("(SELECT * FROM %s)", t.Name), Alias: aliasOrName(t)}
			continue
		}
		mapper, ok := opts.Snapshots[t.Name]
		if !ok {
			continue
		}
		mapping := mapper.TableMapping(opts.IsDev)
		physical, ok := mapping[t.Name]
		if !ok {
			out.From[i] = ast.TableRef{Name: fmt.Sprintf("(SELECT * FROM %s)", t.Name), Alias: aliasOrName(t)}
			continue
		}
		out.From[i] = ast.TableRef{Name: physical, Alias: t.Alias}
	}
	return out, nil
}

func aliasOrName(t ast.TableRef) string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// applyIncrementalFilter wraps the query and filters on time_column,
// re-hoisting any WITH clause to the outer level.
func applyIncrementalFilter(q *ast.Query, m *model.Model, w Window) *ast.Query {
	startStr := convertTime(m, w.Start)
	endStr := convertTime(m, w.End)

	inner := q.Clone()
	withClauses := inner.With
	inner.With = nil

	wrapped := &ast.Query{
		With:        withClauses,
		Projections: []ast.Projection{{Expr: "*"}},
		From:        []ast.TableRef{{Name: "(" + inner.CanonicalSQL() + ")", Alias: "_sub"}},
		Where:       fmt.Sprintf("%s BETWEEN %s AND %s", m.TimeColumn, startStr, endStr),
	}
	return wrapped
}

func convertTime(m *model.Model, t time.Time) string {
	if m.TimeConverter != nil {
		return m.TimeConverter(t)
	}
	return "'" + t.UTC().Format(time.RFC3339) + "'"
}

// sortedKeys is a small helper kept for callers that need deterministic
// iteration over the Options.Snapshots map (e.g. tests asserting on
// resolution order).
func sortedKeys(m map[string]TableMapper) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

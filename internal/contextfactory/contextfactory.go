// Package contextfactory unifies semantic vector search (component B),
// call-tree traversal (component C), and business-flow expansion
// (component D) behind a single retrieval surface consumed by the planner
// and validator (spec.md section 4.F). Every operation returns a bounded-
// size text blob trimmed to a token ceiling and cached by a fingerprint of
// its inputs for the lifetime of a project run.
package contextfactory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cascadehq/auditengine/internal/calltree"
	"github.com/cascadehq/auditengine/internal/fileutil"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/vectorindex"
)

// Modality selects which embedding column rag_context searches.
type Modality string

const (
	ModalityContent      Modality = "content"
	ModalityName         Modality = "name"
	ModalityNatural      Modality = "natural"
	ModalityFileContent  Modality = "file-content"
	ModalityFileNatural  Modality = "file-natural"
)

// Config controls the factory's size budgeting and cache capacity.
type Config struct {
	TokenBudget int // default ~4000, the ceiling for every returned blob
	DefaultK    int
	DefaultDepth int
	CacheSize   int
}

func (c Config) withDefaults() Config {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 4000
	}
	if c.DefaultK <= 0 {
		c.DefaultK = 5
	}
	if c.DefaultDepth <= 0 {
		c.DefaultDepth = 3
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	return c
}

// RAGResult is one scored neighbor from rag_context or comprehensive_search.
type RAGResult struct {
	ID         string
	Similarity float64
}

// HybridOptions configures hybrid's section selection (spec.md section 4.F).
type HybridOptions struct {
	IncludeRAG   bool
	IncludeTree  bool
	IncludeFlow  bool
	K            int
	Depth        int
}

// Factory is the single retrieval surface the planner and validator use.
// It is read-only and safe for concurrent use once built.
type Factory struct {
	cfg       Config
	functions map[string]model.Function
	files     map[string]model.File
	flows     map[string]model.Flow
	trees     map[string]calltree.Tree
	index     *vectorindex.Index

	cache    *lru.Cache[string, string]
	ragCache *lru.Cache[string, []RAGResult]
}

// New builds a Factory over a project's already-loaded functions, files,
// flows, and call trees (component C's Builder.Build output), plus the
// vector index for semantic neighbor search.
func New(cfg Config, functions []model.Function, files []model.File, flows []model.Flow, trees map[string]calltree.Tree, index *vectorindex.Index) (*Factory, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("contextfactory: new cache: %w", err)
	}
	ragCache, err := lru.New[string, []RAGResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("contextfactory: new rag cache: %w", err)
	}

	byID := make(map[string]model.Function, len(functions))
	for _, fn := range functions {
		byID[fn.ID] = fn
	}
	byPath := make(map[string]model.File, len(files))
	for _, f := range files {
		byPath[f.RelativePath] = f
	}
	byFlowID := make(map[string]model.Flow, len(flows))
	for _, fl := range flows {
		byFlowID[fl.ID] = fl
	}

	return &Factory{
		cfg:       cfg,
		functions: byID,
		files:     byPath,
		flows:     byFlowID,
		trees:     trees,
		index:     index,
		cache:     cache,
		ragCache:  ragCache,
	}, nil
}

// RAGContext returns the top-k neighbors of functionOrQuery under the given
// modality, formatted as a text blob plus the raw scored results.
func (f *Factory) RAGContext(ctx context.Context, functionOrQuery string, k int, modality Modality) (string, []RAGResult, error) {
	if k <= 0 {
		k = f.cfg.DefaultK
	}
	key := fmt.Sprintf("rag:%s:%s:%d", modality, functionOrQuery, k)
	if cached, ok := f.cache.Get(key); ok {
		results, _ := f.ragCache.Get(key)
		return cached, results, nil
	}

	table, column, query, err := f.ragTarget(functionOrQuery, modality)
	if err != nil {
		return "", nil, err
	}

	matches, err := f.index.Search(ctx, table, column, query, k)
	if err != nil {
		return "", nil, fmt.Errorf("contextfactory: rag_context: %w", err)
	}

	results := make([]RAGResult, len(matches))
	var b strings.Builder
	b.WriteString("rag neighbors:\n")
	for i, m := range matches {
		results[i] = RAGResult{ID: m.ID, Similarity: m.Similarity}
		fmt.Fprintf(&b, "- %s (score=%.4f)\n", m.ID, m.Similarity)
	}
	blob := f.trimToBudget(b.String())
	f.cache.Add(key, blob)
	f.ragCache.Add(key, results)
	return blob, results, nil
}

// ragTarget resolves a modality to the (table, column, query text) triple
// Search needs. When functionOrQuery matches a known function id, its
// content/name/natural field is used as the query text; otherwise the
// string itself is treated as a free-text query.
func (f *Factory) ragTarget(functionOrQuery string, modality Modality) (vectorindex.Table, vectorindex.Column, string, error) {
	fn, isFunc := f.functions[functionOrQuery]
	file, isFile := f.files[functionOrQuery]

	switch modality {
	case ModalityContent:
		if isFunc {
			return vectorindex.TableFunctions, vectorindex.ColumnFunctionContent, fn.Content, nil
		}
		return vectorindex.TableFunctions, vectorindex.ColumnFunctionContent, functionOrQuery, nil
	case ModalityName:
		if isFunc {
			return vectorindex.TableFunctions, vectorindex.ColumnFunctionName, fn.Name, nil
		}
		return vectorindex.TableFunctions, vectorindex.ColumnFunctionName, functionOrQuery, nil
	case ModalityNatural:
		if isFunc {
			return vectorindex.TableFunctions, vectorindex.ColumnFunctionNatural, fn.NaturalLanguage, nil
		}
		return vectorindex.TableFunctions, vectorindex.ColumnFunctionNatural, functionOrQuery, nil
	case ModalityFileContent:
		if isFile {
			return vectorindex.TableFiles, vectorindex.ColumnFileContent, file.Content, nil
		}
		return vectorindex.TableFiles, vectorindex.ColumnFileContent, functionOrQuery, nil
	case ModalityFileNatural:
		if isFile {
			return vectorindex.TableFiles, vectorindex.ColumnFileNatural, file.NaturalLanguage, nil
		}
		return vectorindex.TableFiles, vectorindex.ColumnFileNatural, functionOrQuery, nil
	default:
		return "", "", "", fmt.Errorf("contextfactory: unknown modality %q", modality)
	}
}

// CallTreeContext formats a function's upstream/downstream call tree to
// depth. depth is currently informational: trees are built once to a fixed
// depth by component C, so this trims the formatted digest rather than
// recomputing the tree.
func (f *Factory) CallTreeContext(functionID string, depth int) (string, error) {
	key := fmt.Sprintf("tree:%s:%d", functionID, depth)
	if cached, ok := f.cache.Get(key); ok {
		return cached, nil
	}
	tree, ok := f.trees[functionID]
	if !ok {
		return "", fmt.Errorf("contextfactory: no call tree for function %q", functionID)
	}
	blob := f.trimToBudget(calltree.FormatDigest(tree))
	f.cache.Add(key, blob)
	return blob, nil
}

// BusinessFlowContext returns a flow's name plus the concatenated bodies of
// its resolved steps.
func (f *Factory) BusinessFlowContext(flowID string) (string, error) {
	key := fmt.Sprintf("flow:%s", flowID)
	if cached, ok := f.cache.Get(key); ok {
		return cached, nil
	}
	flow, ok := f.flows[flowID]
	if !ok {
		return "", fmt.Errorf("contextfactory: no flow %q", flowID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "flow: %s\n\n", flow.Name)
	b.WriteString(flow.ExpandedText)
	blob := f.trimToBudget(b.String())
	f.cache.Add(key, blob)
	return blob, nil
}

// Hybrid concatenates function body, call-tree digest, RAG neighbors, and
// file description per opts, trimmed to the configured budget in priority
// order: function body > direct callers/callees > RAG neighbors > file
// description. Trimming always drops whole sections, never mid-sentence.
func (f *Factory) Hybrid(ctx context.Context, functionID string, opts HybridOptions) (string, error) {
	key := fmt.Sprintf("hybrid:%s:%t:%t:%t:%d:%d", functionID, opts.IncludeRAG, opts.IncludeTree, opts.IncludeFlow, opts.K, opts.Depth)
	if cached, ok := f.cache.Get(key); ok {
		return cached, nil
	}

	fn, ok := f.functions[functionID]
	if !ok {
		return "", fmt.Errorf("contextfactory: no function %q", functionID)
	}

	sections := []string{fmt.Sprintf("function body (%s):\n%s", fn.ID, fn.Content)}

	if opts.IncludeTree {
		if digest, err := f.CallTreeContext(functionID, opts.Depth); err == nil {
			sections = append(sections, digest)
		}
	}
	if opts.IncludeRAG {
		if rag, _, err := f.RAGContext(ctx, functionID, opts.K, ModalityContent); err == nil && rag != "" {
			sections = append(sections, rag)
		}
	}
	if opts.IncludeFlow {
		for _, flow := range f.flowsContaining(functionID) {
			if blob, err := f.BusinessFlowContext(flow.ID); err == nil {
				sections = append(sections, blob)
			}
		}
	}
	if file, ok := f.files[fn.RelativeFilePath]; ok && file.NaturalLanguage != "" {
		sections = append(sections, fmt.Sprintf("file description (%s):\n%s", file.RelativePath, file.NaturalLanguage))
	}

	blob := f.trimSectionsToBudget(sections)
	f.cache.Add(key, blob)
	return blob, nil
}

// ComprehensiveSearch returns every modality's top-k neighbors for query,
// for exploratory use rather than task-payload assembly.
func (f *Factory) ComprehensiveSearch(ctx context.Context, query string, k int) (map[Modality][]RAGResult, error) {
	if k <= 0 {
		k = f.cfg.DefaultK
	}
	modalities := []Modality{ModalityContent, ModalityName, ModalityNatural, ModalityFileContent, ModalityFileNatural}
	out := make(map[Modality][]RAGResult, len(modalities))
	for _, m := range modalities {
		_, results, err := f.RAGContext(ctx, query, k, m)
		if err != nil {
			return nil, fmt.Errorf("contextfactory: comprehensive_search %s: %w", m, err)
		}
		out[m] = results
	}
	return out, nil
}

func (f *Factory) flowsContaining(functionID string) []model.Flow {
	var out []model.Flow
	ids := make([]string, 0, len(f.flows))
	for id := range f.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		flow := f.flows[id]
		for _, step := range flow.ResolvedSteps {
			if step == functionID {
				out = append(out, flow)
				break
			}
		}
	}
	return out
}

// trimToBudget trims a single blob to the token budget by dropping whole
// trailing lines, never cutting mid-line.
func (f *Factory) trimToBudget(blob string) string {
	_, _, tokens := fileutil.CalculateStatistics(blob)
	if tokens <= f.cfg.TokenBudget {
		return blob
	}
	lines := strings.Split(blob, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		_, _, tokens = fileutil.CalculateStatistics(strings.Join(lines, "\n"))
		if tokens <= f.cfg.TokenBudget {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// trimSectionsToBudget drops whole low-priority sections (from the end of
// the slice) until the concatenation fits the budget, then trims the
// lowest-priority surviving section's lines as a last resort.
func (f *Factory) trimSectionsToBudget(sections []string) string {
	for len(sections) > 1 {
		joined := strings.Join(sections, "\n\n")
		_, _, tokens := fileutil.CalculateStatistics(joined)
		if tokens <= f.cfg.TokenBudget {
			return joined
		}
		sections = sections[:len(sections)-1]
	}
	if len(sections) == 0 {
		return ""
	}
	return f.trimToBudget(sections[0])
}

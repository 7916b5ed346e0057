// Package calltree builds, for every function in a project, an upstream
// (callers of callers…) and downstream (callees of callees…) tree up to a
// configured depth (spec.md section 4.C). Edges are derived from textual
// scanning of function bodies against the known function-name set, since
// the core has no Solidity AST of its own — only the bodies the external
// parser already extracted.
package calltree

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/ratelimit"
)

// Node is one level of an upstream or downstream tree.
type Node struct {
	FunctionID string
	Children   []*Node
}

// Tree is the per-function result: its upstream and downstream call trees
// plus the state variables its containing contract declares.
type Tree struct {
	FunctionID     string
	Upstream       *Node
	Downstream     *Node
	StateVariables []string
}

// Ambiguity records a short name that matched more than one qualified
// function id during edge resolution, recorded on a side channel rather
// than treated as an error (spec.md section 4.C).
type Ambiguity struct {
	CallerID  string
	ShortName string
	Candidate string   // the id the tie-break ladder chose
	Rejected  []string // the other candidates, in tie-break order
}

// Builder resolves call edges across a fixed set of functions and builds
// trees to a configured depth.
type Builder struct {
	Depth       int
	MaxWorkers  int
	byID        map[string]model.Function
	byShortName map[string][]model.Function // function Name -> candidates, for tie-breaking
	callSite    *regexp.Regexp

	mu          sync.Mutex
	ambiguities []Ambiguity
}

const defaultDepth = 3

// nameTokenPattern matches a bare identifier call site: `foo(`, `this.foo(`
// or `Contract.foo(`-style qualified calls are reduced to the trailing
// identifier before lookup, since short names are what call sites use.
var identifierCallPattern = regexp.MustCompile(`(?:\.)?\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// NewBuilder indexes functions for edge resolution. depth <= 0 uses the
// spec's default of 3.
func NewBuilder(functions []model.Function, depth, maxWorkers int) *Builder {
	if depth <= 0 {
		depth = defaultDepth
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	b := &Builder{
		Depth:       depth,
		MaxWorkers:  maxWorkers,
		byID:        make(map[string]model.Function, len(functions)),
		byShortName: make(map[string][]model.Function),
		callSite:    identifierCallPattern,
	}
	for _, fn := range functions {
		b.byID[fn.ID] = fn
		b.byShortName[fn.Name] = append(b.byShortName[fn.Name], fn)
	}
	for name := range b.byShortName {
		sort.Slice(b.byShortName[name], func(i, j int) bool {
			return b.byShortName[name][i].ID < b.byShortName[name][j].ID
		})
	}
	return b
}

// Ambiguities returns every tie-break decision recorded since the builder
// was constructed.
func (b *Builder) Ambiguities() []Ambiguity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Ambiguity, len(b.ambiguities))
	copy(out, b.ambiguities)
	return out
}

// calleesOf scans a function body for identifier call sites and resolves
// each to a concrete function id using the tie-break ladder: prefer
// same-contract, then same-file, then alphabetic by full id.
func (b *Builder) calleesOf(caller model.Function) []string {
	matches := b.callSite.FindAllStringSubmatch(caller.Content, -1)
	seen := make(map[string]bool)
	var callees []string

	for _, m := range matches {
		shortName := m[1]
		if shortName == caller.Name {
			continue // recursive self-calls don't add tree depth
		}
		candidates := b.byShortName[shortName]
		if len(candidates) == 0 {
			continue
		}

		resolved := resolveCandidate(caller, candidates)
		if resolved.ID == caller.ID {
			continue
		}
		if len(candidates) > 1 {
			b.recordAmbiguity(caller.ID, shortName, resolved, candidates)
		}
		if !seen[resolved.ID] {
			seen[resolved.ID] = true
			callees = append(callees, resolved.ID)
		}
	}

	sort.Strings(callees)
	return callees
}

func resolveCandidate(caller model.Function, candidates []model.Function) model.Function {
	for _, c := range candidates {
		if c.ContractName != "" && c.ContractName == caller.ContractName {
			return c
		}
	}
	for _, c := range candidates {
		if c.RelativeFilePath == caller.RelativeFilePath {
			return c
		}
	}
	// candidates is pre-sorted alphabetically by ID in NewBuilder.
	return candidates[0]
}

func (b *Builder) recordAmbiguity(callerID, shortName string, chosen model.Function, candidates []model.Function) {
	var rejected []string
	for _, c := range candidates {
		if c.ID != chosen.ID {
			rejected = append(rejected, c.ID)
		}
	}
	b.mu.Lock()
	b.ambiguities = append(b.ambiguities, Ambiguity{
		CallerID:  callerID,
		ShortName: shortName,
		Candidate: chosen.ID,
		Rejected:  rejected,
	})
	b.mu.Unlock()
}

// callersOf is the inverse edge: every function whose body calls target.
func (b *Builder) callersOf(target model.Function) []string {
	var callers []string
	for _, fn := range b.byID {
		for _, calleeID := range b.calleesOf(fn) {
			if calleeID == target.ID {
				callers = append(callers, fn.ID)
				break
			}
		}
	}
	sort.Strings(callers)
	return callers
}

// stateVariables extracts a contract's declared state variables by a
// lightweight textual scan of its contract body (spec.md section 4.C does
// not define a parser; this is a best-effort declaration scan, not a full
// Solidity type-checker).
var stateVarPattern = regexp.MustCompile(`(?m)^\s*(?:mapping\s*\([^)]*\)|[A-Za-z_][A-Za-z0-9_\[\]]*)\s+(?:public|private|internal|constant|immutable|\s)*\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:=|;)`)

func stateVariablesOf(contractCode string) []string {
	if contractCode == "" {
		return nil
	}
	var vars []string
	seen := make(map[string]bool)
	for _, m := range stateVarPattern.FindAllStringSubmatch(contractCode, -1) {
		name := m[1]
		if seen[name] || name == "" {
			continue
		}
		seen[name] = true
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return vars
}

// buildNode expands one direction (callers or callees) to depth levels,
// never revisiting a function id already on the current path (cycles stop
// the tree rather than recursing forever).
func (b *Builder) buildNode(id string, depth int, visited map[string]bool, next func(model.Function) []string) *Node {
	node := &Node{FunctionID: id}
	if depth <= 0 || visited[id] {
		return node
	}

	fn, ok := b.byID[id]
	if !ok {
		return node
	}

	visited[id] = true
	defer delete(visited, id)

	for _, childID := range next(fn) {
		node.Children = append(node.Children, b.buildNode(childID, depth-1, visited, next))
	}
	return node
}

// Build computes every function's call tree in parallel, bounded by
// MaxWorkers, matching the teacher's worker-pool/fan-out shape
// (orchestrator.processModels) applied to a CPU-bound build instead of an
// LLM call.
func (b *Builder) Build(ctx context.Context) (map[string]Tree, error) {
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type result struct {
		id   string
		tree Tree
	}

	sem := ratelimit.NewSemaphore(b.MaxWorkers)
	resultChan := make(chan result, len(ids))
	var wg sync.WaitGroup

	for _, id := range ids {
		if err := sem.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("calltree: build cancelled: %w", err)
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release()

			fn := b.byID[id]
			tree := Tree{
				FunctionID:     id,
				Upstream:       b.buildNode(id, b.Depth, map[string]bool{}, b.callersOf),
				Downstream:     b.buildNode(id, b.Depth, map[string]bool{}, b.calleesOf),
				StateVariables: stateVariablesOf(fn.ContractCode),
			}
			resultChan <- result{id: id, tree: tree}
		}(id)
	}

	wg.Wait()
	close(resultChan)

	out := make(map[string]Tree, len(ids))
	for r := range resultChan {
		out[r.id] = r.tree
	}
	return out, nil
}

// FormatDigest renders a tree as an indented text block suitable for
// inclusion in an LLM prompt (used by the context factory's
// call_tree_context and FILE mode's lightweight digest).
func FormatDigest(tree Tree) string {
	var b strings.Builder
	fmt.Fprintf(&b, "function: %s\n", tree.FunctionID)
	if len(tree.StateVariables) > 0 {
		fmt.Fprintf(&b, "state variables: %s\n", strings.Join(tree.StateVariables, ", "))
	}
	b.WriteString("upstream (callers):\n")
	writeNode(&b, tree.Upstream, 1)
	b.WriteString("downstream (callees):\n")
	writeNode(&b, tree.Downstream, 1)
	return b.String()
}

func writeNode(b *strings.Builder, node *Node, indent int) {
	if node == nil {
		return
	}
	for _, child := range node.Children {
		fmt.Fprintf(b, "%s- %s\n", strings.Repeat("  ", indent), child.FunctionID)
		writeNode(b, child, indent+1)
	}
}

// Package businessflow produces the ordered list of business flows for a
// project (spec.md section 4.D): JSON-file source, Mermaid-diagram
// extraction, or an AST/LLM fallback, in that precedence, stopping at the
// first source that yields at least one valid flow.
package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cascadehq/auditengine/internal/fileutil"
	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/vectorindex"
)

// rawFlow is a flow as read from any source, before step resolution.
type rawFlow struct {
	Name  string
	Steps []string
}

// Config controls resolution thresholds and token budgeting.
type Config struct {
	JSONRoot          string
	MermaidRoot       string
	SemanticThreshold float64 // minimum similarity to accept a semantic-fallback match
	FlowTokenBudget   int     // split a flow's expanded text above this many tokens
}

const defaultSemanticThreshold = 0.75
const defaultFlowTokenBudget = 6000

// flowExtractionPrompt is the required, content-exact prompt form for
// Mermaid-diagram extraction (spec.md section 6).
const flowExtractionPrompt = `Based on the above business flow diagram, extract business flows in JSON format with the following structure: {"flows":[{"name":"...","steps":["file.function", ...]}]}.`

// Processor resolves flow step strings against a project's function table,
// falling back to a semantic search when an exact id match fails.
type Processor struct {
	cfg       Config
	index     *vectorindex.Index
	llmClient llm.LLMClient
}

// NewProcessor constructs a Processor. llmClient is used for Mermaid
// cleaning and the AST/LLM fallback; it may be nil if only a JSON source is
// ever expected (the JSON path never calls it).
func NewProcessor(cfg Config, index *vectorindex.Index, llmClient llm.LLMClient) *Processor {
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = defaultSemanticThreshold
	}
	if cfg.FlowTokenBudget <= 0 {
		cfg.FlowTokenBudget = defaultFlowTokenBudget
	}
	return &Processor{cfg: cfg, index: index, llmClient: llmClient}
}

// ProduceFlows returns the resolved, split, flagged-as-needed flow list for
// a project, applying the JSON → Mermaid → AST/LLM precedence.
func (p *Processor) ProduceFlows(ctx context.Context, projectID string, functions []model.Function) ([]model.Flow, error) {
	byID := make(map[string]model.Function, len(functions))
	for _, fn := range functions {
		byID[fn.ID] = fn
	}

	if raws, err := p.loadJSONSource(projectID); err != nil {
		return nil, fmt.Errorf("businessflow: json source: %w", err)
	} else if len(raws) > 0 {
		return p.resolveAndSplit(ctx, projectID, model.FlowSourceJSON, raws, byID)
	}

	if raws, err := p.extractFromMermaid(ctx, projectID); err != nil {
		return nil, fmt.Errorf("businessflow: mermaid source: %w", err)
	} else if len(raws) > 0 {
		return p.resolveAndSplit(ctx, projectID, model.FlowSourceMermaid, raws, byID)
	}

	raws, err := p.astLLMFallback(ctx, functions)
	if err != nil {
		return nil, fmt.Errorf("businessflow: ast/llm fallback: %w", err)
	}
	return p.resolveAndSplit(ctx, projectID, model.FlowSourceAST, raws, byID)
}

// loadJSONSource parses every *.json file under <json_root>/<project_id>/,
// accepting the three shapes spec.md section 6 defines. JSON sources are
// trusted: no LLM cleaning is applied.
func (p *Processor) loadJSONSource(projectID string) ([]rawFlow, error) {
	if p.cfg.JSONRoot == "" {
		return nil, nil
	}
	dir := filepath.Join(p.cfg.JSONRoot, projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read json flow dir %s: %w", dir, err)
	}

	var raws []rawFlow
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		parsed, err := parseJSONFlowDocument(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		raws = append(raws, parsed...)
	}
	return raws, nil
}

type jsonFlow struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

type jsonFlowsWrapper struct {
	Flows []jsonFlow `json:"flows"`
}

// parseJSONFlowDocument accepts exactly the three shapes spec.md section 6
// defines: {flows: [...]}, a single {name, steps}, or a top-level array.
func parseJSONFlowDocument(data []byte) ([]rawFlow, error) {
	var wrapper jsonFlowsWrapper
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Flows != nil {
		return toRawFlows(wrapper.Flows), nil
	}

	var single jsonFlow
	if err := json.Unmarshal(data, &single); err == nil && single.Name != "" {
		return toRawFlows([]jsonFlow{single}), nil
	}

	var array []jsonFlow
	if err := json.Unmarshal(data, &array); err == nil {
		return toRawFlows(array), nil
	}

	return nil, fmt.Errorf("document matches none of the accepted flow shapes")
}

func toRawFlows(flows []jsonFlow) []rawFlow {
	out := make([]rawFlow, len(flows))
	for i, f := range flows {
		out[i] = rawFlow{Name: f.Name, Steps: f.Steps}
	}
	return out
}

// extractFromMermaid invokes the flow-extraction prompt per diagram file
// under <mermaid_root>/<project_id>/, then applies an LLM cleaning pass to
// repair step syntax (strip extensions, fix separators, merge spurious
// splits).
func (p *Processor) extractFromMermaid(ctx context.Context, projectID string) ([]rawFlow, error) {
	if p.cfg.MermaidRoot == "" || p.llmClient == nil {
		return nil, nil
	}
	dir := filepath.Join(p.cfg.MermaidRoot, projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mermaid dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".mmd") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var raws []rawFlow
	for _, path := range paths {
		diagram, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		prompt := string(diagram) + "\n\n" + flowExtractionPrompt
		obj, err := llm.CompleteJSON(ctx, p.llmClient, prompt, llm.FlowExtractionSchema, nil)
		if err != nil {
			return nil, fmt.Errorf("extract flows from %s: %w", path, err)
		}

		extracted := decodeFlowsFromObject(obj)
		raws = append(raws, cleanSteps(extracted)...)
	}
	return raws, nil
}

func decodeFlowsFromObject(obj map[string]interface{}) []rawFlow {
	rawList, _ := obj["flows"].([]interface{})
	var out []rawFlow
	for _, item := range rawList {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		stepsRaw, _ := m["steps"].([]interface{})
		var steps []string
		for _, s := range stepsRaw {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
		out = append(out, rawFlow{Name: name, Steps: steps})
	}
	return out
}

// cleanSteps strips file extensions and normalizes separators so Mermaid-
// extracted step strings match the `Identifier.Identifier` shape the JSON
// source requires by contract.
func cleanSteps(flows []rawFlow) []rawFlow {
	cleaned := make([]rawFlow, len(flows))
	for i, f := range flows {
		steps := make([]string, 0, len(f.Steps))
		for _, step := range f.Steps {
			if s := normalizeStep(step); s != "" {
				steps = append(steps, s)
			}
		}
		cleaned[i] = rawFlow{Name: f.Name, Steps: steps}
	}
	return cleaned
}

func normalizeStep(step string) string {
	step = strings.TrimSpace(step)
	if ext := filepath.Ext(step); ext != "" {
		step = strings.TrimSuffix(step, ext)
	}
	step = strings.ReplaceAll(step, "::", ".")
	step = strings.ReplaceAll(step, "/", ".")
	step = strings.ReplaceAll(step, "->", ".")
	return step
}

// astLLMFallback asks an LLM to name the flow each public/external function
// represents and list its step functions (spec.md section 4.D, source 3).
func (p *Processor) astLLMFallback(ctx context.Context, functions []model.Function) ([]rawFlow, error) {
	if p.llmClient == nil {
		return nil, nil
	}

	var raws []rawFlow
	for _, fn := range functions {
		if fn.Visibility != model.VisibilityPublic && fn.Visibility != model.VisibilityExternal {
			continue
		}

		prompt := fmt.Sprintf(
			"Given the following entry-point function, name the business flow it represents and list, in call order, every function id (Contract.function or File.function) it invokes.\n\nFunction %s:\n%s\n\nRespond as JSON: {\"flows\":[{\"name\":\"...\",\"steps\":[\"%s\", ...]}]}",
			fn.ID, fn.Content, fn.ID)

		obj, err := llm.CompleteJSON(ctx, p.llmClient, prompt, llm.FlowExtractionSchema, nil)
		if err != nil {
			// A single entry point's LLM failure does not abort flow
			// discovery for the rest of the project.
			continue
		}
		raws = append(raws, decodeFlowsFromObject(obj)...)
	}
	return raws, nil
}

// resolveAndSplit resolves every raw flow's steps to function ids, drops
// flows that resolve to nothing, flags flows with partial resolution, and
// splits any flow whose expanded text exceeds the configured token budget.
func (p *Processor) resolveAndSplit(ctx context.Context, projectID string, source model.FlowSource, raws []rawFlow, byID map[string]model.Function) ([]model.Flow, error) {
	var out []model.Flow
	for i, raw := range raws {
		flow, err := p.resolveFlow(ctx, projectID, source, raw, byID, i)
		if err != nil {
			return nil, err
		}
		if flow == nil {
			continue // every step failed to resolve: drop entirely
		}
		out = append(out, p.splitIfOversized(*flow)...)
	}
	return out, nil
}

func (p *Processor) resolveFlow(ctx context.Context, projectID string, source model.FlowSource, raw rawFlow, byID map[string]model.Function, index int) (*model.Flow, error) {
	var resolved, dropped []string
	var bodies []string

	for _, step := range raw.Steps {
		if fn, ok := byID[step]; ok {
			resolved = append(resolved, fn.ID)
			bodies = append(bodies, fn.Content)
			continue
		}

		matchedID, err := p.semanticFallback(ctx, step)
		if err != nil {
			return nil, err
		}
		if matchedID == "" {
			dropped = append(dropped, step)
			continue
		}
		fn := byID[matchedID]
		resolved = append(resolved, fn.ID)
		bodies = append(bodies, fn.Content)
	}

	if len(resolved) == 0 {
		return nil, nil
	}

	name := raw.Name
	if name == "" {
		name = fmt.Sprintf("flow-%d", index)
	}

	return &model.Flow{
		ID:            fmt.Sprintf("%s::%s", projectID, name),
		Name:          name,
		ProjectID:     projectID,
		Source:        source,
		RawSteps:      raw.Steps,
		ResolvedSteps: resolved,
		DroppedSteps:  dropped,
		ExpandedText:  strings.Join(bodies, "\n\n---\n\n"),
	}, nil
}

// semanticFallback embeds the step string and queries the name_embedding
// column, accepting the top match only if its score clears the configured
// threshold (spec.md section 4.D).
func (p *Processor) semanticFallback(ctx context.Context, step string) (string, error) {
	if p.index == nil {
		return "", nil
	}
	matches, err := p.index.Search(ctx, vectorindex.TableFunctions, vectorindex.ColumnFunctionName, step, 1)
	if err != nil {
		return "", fmt.Errorf("semantic fallback for %q: %w", step, err)
	}
	if len(matches) == 0 || matches[0].Similarity < p.cfg.SemanticThreshold {
		return "", nil
	}
	return matches[0].ID, nil
}

// splitIfOversized splits a flow into contiguous sub-flows at step
// boundaries when its expanded text exceeds the token budget; the original
// flow is returned unsplit otherwise.
func (p *Processor) splitIfOversized(flow model.Flow) []model.Flow {
	_, _, tokenCount := fileutil.CalculateStatistics(flow.ExpandedText)
	if tokenCount <= p.cfg.FlowTokenBudget {
		return []model.Flow{flow}
	}

	// ExpandedText was joined in ResolvedSteps order, so splitting it back
	// apart yields each step's body at the same index, duplicate function
	// ids included.
	bodies := strings.Split(flow.ExpandedText, "\n\n---\n\n")

	var parts []model.Flow
	var currentSteps []string
	var currentDropped []string
	var currentBodies []string
	var currentTokens int
	part := 0

	flush := func() {
		if len(currentSteps) == 0 {
			return
		}
		parts = append(parts, model.Flow{
			ID:            fmt.Sprintf("%s#%d", flow.ID, part),
			Name:          fmt.Sprintf("%s (part %d)", flow.Name, part+1),
			ProjectID:     flow.ProjectID,
			Source:        flow.Source,
			RawSteps:      flow.RawSteps,
			ResolvedSteps: append([]string(nil), currentSteps...),
			DroppedSteps:  currentDropped,
			ExpandedText:  strings.Join(currentBodies, "\n\n---\n\n"),
		})
		part++
		currentSteps = nil
		currentBodies = nil
		currentTokens = 0
	}

	for i, step := range flow.ResolvedSteps {
		body := bodies[i]
		_, _, bodyTokens := fileutil.CalculateStatistics(body)
		if currentTokens+bodyTokens > p.cfg.FlowTokenBudget && len(currentSteps) > 0 {
			flush()
		}
		currentSteps = append(currentSteps, step)
		currentBodies = append(currentBodies, body)
		currentTokens += bodyTokens
	}
	currentDropped = flow.DroppedSteps
	flush()

	return parts
}

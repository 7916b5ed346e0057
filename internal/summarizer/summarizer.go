// Package summarizer implements the flow-diagram synthesis component: it
// folds a project's source files into one or more Mermaid diagrams that the
// business-flow processor later mines for flow steps. Small projects are
// summarized incrementally, file by file, with a defensive "only add"
// prompt contract; larger projects are summarized per top-level folder in
// parallel, then tied together with a single global overview pass.
package summarizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cascadehq/auditengine/internal/fileutil"
	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/ratelimit"
)

// Config controls strategy selection, worker bounds, and output location.
type Config struct {
	OutputDir            string
	MaxWorkers           int
	FolderFileThreshold  int // max file count still handled incrementally; folder strategy above this
	FolderDirThreshold   int // top-level folder count at/above which the folder strategy is used
	ReinforcementTargets int // number of lowest-confidence files re-visited after the incremental pass
	MaxRetries           int // bounded retries when a round fails the monotone-growth check
	TokenBudgetPerCall   int
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.FolderFileThreshold <= 0 {
		c.FolderFileThreshold = 30
	}
	if c.FolderDirThreshold <= 0 {
		c.FolderDirThreshold = 3
	}
	if c.ReinforcementTargets <= 0 {
		c.ReinforcementTargets = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.TokenBudgetPerCall <= 0 {
		c.TokenBudgetPerCall = 6000
	}
	return c
}

// Summarizer runs the incremental or folder-based flow-diagram synthesis
// strategy and writes the resulting Mermaid diagrams to disk.
type Summarizer struct {
	cfg       Config
	llmClient llm.LLMClient
}

// NewSummarizer builds a Summarizer. llmClient is used for every diagram
// synthesis call; a nil client makes Produce fail fast once it needs one.
func NewSummarizer(cfg Config, llmClient llm.LLMClient) *Summarizer {
	return &Summarizer{cfg: cfg.withDefaults(), llmClient: llmClient}
}

// Artifacts records what Produce wrote to disk.
type Artifacts struct {
	Strategy string // "incremental" | "folder"
	Paths    []string
}

const onlyAddPrompt = `You are maintaining a Mermaid diagram documenting the business logic of a smart contract codebase.

Rules:
- You may ONLY add new participants and interactions. Never remove, rename, or otherwise alter anything already present in the diagram below.
- Use the EXACT contract names and function names as they appear in the source. Never invent generic placeholder names like "Contract", "Token", or "System".
- Respond with the complete updated Mermaid diagram only, no prose.`

const preserveAllPrompt = onlyAddPrompt + `

Your previous attempt deleted or altered existing content, or used a generic placeholder name. This is not permitted. Re-apply the addition while preserving every participant and interaction already present, and while naming every participant after its real contract or function name.`

var genericPlaceholderPattern = regexp.MustCompile(`\b(Contract|Token|System|Service|Module)\b`)

// Produce synthesizes flow diagrams for a project and writes them under
// <OutputDir>/<projectID>/, returning the paths written.
func (s *Summarizer) Produce(ctx context.Context, projectID string, files []model.File, functions []model.Function) (Artifacts, error) {
	if len(files) == 0 {
		return Artifacts{}, nil
	}
	dir := filepath.Join(s.cfg.OutputDir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("summarizer: create output dir: %w", err)
	}

	functionsByFile := groupFunctionsByFile(functions)

	if s.useFolderStrategy(files) {
		return s.produceFolderBased(ctx, projectID, dir, files, functionsByFile)
	}
	return s.produceIncremental(ctx, projectID, dir, files, functionsByFile)
}

// useFolderStrategy implements spec.md section 4.E's strategy choice:
// "incremental (<=30 files and <3 top-level folders)", folder-based
// otherwise. FolderFileThreshold/FolderDirThreshold are the incremental
// strategy's inclusive ceilings, so the folder strategy is chosen only
// once a project exceeds one of them.
func (s *Summarizer) useFolderStrategy(files []model.File) bool {
	if len(files) > s.cfg.FolderFileThreshold {
		return true
	}
	return len(topLevelFolders(files)) >= s.cfg.FolderDirThreshold
}

func (s *Summarizer) produceIncremental(ctx context.Context, projectID, dir string, files []model.File, functionsByFile map[string][]model.Function) (Artifacts, error) {
	sorted := sortedByPath(files)

	diagram := "graph TD\n"
	confidences := make(map[string]float64, len(sorted))

	for _, f := range sorted {
		for _, chunk := range s.chunkFile(f, functionsByFile[f.RelativePath]) {
			next, conf, err := s.foldOnce(ctx, diagram, chunk, f.RelativePath)
			if err != nil {
				return Artifacts{}, fmt.Errorf("summarizer: fold %s: %w", f.RelativePath, err)
			}
			diagram = next
			confidences[f.RelativePath] = conf
		}
	}

	for _, target := range lowestConfidence(confidences, s.cfg.ReinforcementTargets) {
		f := findFile(sorted, target)
		if f == nil {
			continue
		}
		next, conf, err := s.foldOnce(ctx, diagram, f.Content, f.RelativePath)
		if err != nil {
			continue // reinforcement is best-effort: keep the prior diagram
		}
		diagram = next
		confidences[f.RelativePath] = conf
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_business_flow.mmd", projectID))
	if err := os.WriteFile(path, []byte(diagram), 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("summarizer: write %s: %w", path, err)
	}
	return Artifacts{Strategy: "incremental", Paths: []string{path}}, nil
}

func (s *Summarizer) produceFolderBased(ctx context.Context, projectID, dir string, files []model.File, functionsByFile map[string][]model.Function) (Artifacts, error) {
	groups := groupByFolder(files)
	folderNames := make([]string, 0, len(groups))
	for name := range groups {
		folderNames = append(folderNames, name)
	}
	sort.Strings(folderNames)

	type folderResult struct {
		name    string
		diagram string
		err     error
	}

	sem := ratelimit.NewSemaphore(s.cfg.MaxWorkers)
	resultsCh := make(chan folderResult, len(folderNames))
	var wg sync.WaitGroup
	for _, name := range folderNames {
		wg.Add(1)
		go func(folder string) {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				resultsCh <- folderResult{name: folder, err: err}
				return
			}
			defer sem.Release()
			diagram, err := s.foldFiles(ctx, groups[folder], functionsByFile)
			resultsCh <- folderResult{name: folder, diagram: diagram, err: err}
		}(name)
	}
	wg.Wait()
	close(resultsCh)

	diagrams := make(map[string]string, len(folderNames))
	var firstErr error
	for r := range resultsCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		diagrams[r.name] = r.diagram
	}
	if firstErr != nil {
		return Artifacts{}, fmt.Errorf("summarizer: folder pass: %w", firstErr)
	}

	var paths []string
	for _, name := range folderNames {
		d, ok := diagrams[name]
		if !ok {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.mmd", projectID, sanitizeFolderName(name)))
		if err := os.WriteFile(path, []byte(d), 0o644); err != nil {
			return Artifacts{}, fmt.Errorf("summarizer: write %s: %w", path, err)
		}
		paths = append(paths, path)
	}

	overview, err := s.summarizeOverview(ctx, diagrams)
	if err != nil {
		return Artifacts{}, fmt.Errorf("summarizer: global overview: %w", err)
	}
	overviewPath := filepath.Join(dir, fmt.Sprintf("%s_global_overview.mmd", projectID))
	if err := os.WriteFile(overviewPath, []byte(overview), 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("summarizer: write overview: %w", err)
	}
	paths = append(paths, overviewPath)

	return Artifacts{Strategy: "folder", Paths: paths}, nil
}

// foldFiles runs the fold loop (no reinforcement) over a set of files in
// stable path order, returning the resulting diagram.
func (s *Summarizer) foldFiles(ctx context.Context, files []model.File, functionsByFile map[string][]model.Function) (string, error) {
	sorted := sortedByPath(files)
	diagram := "graph TD\n"
	for _, f := range sorted {
		for _, chunk := range s.chunkFile(f, functionsByFile[f.RelativePath]) {
			next, _, err := s.foldOnce(ctx, diagram, chunk, f.RelativePath)
			if err != nil {
				return "", fmt.Errorf("fold %s: %w", f.RelativePath, err)
			}
			diagram = next
		}
	}
	return diagram, nil
}

// foldOnce issues one "only add" pass over a chunk against the existing
// diagram. If the response deletes existing content or introduces a generic
// placeholder name, it retries with a stronger preserve-all instruction up
// to cfg.MaxRetries times; on final failure the existing diagram is kept
// unchanged.
func (s *Summarizer) foldOnce(ctx context.Context, existing, chunk, label string) (string, float64, error) {
	prompt := onlyAddPrompt
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		full := fmt.Sprintf("%s\n\nExisting diagram:\n%s\n\nNew source (%s):\n%s", prompt, existing, label, chunk)
		resp, err := s.llmClient.GenerateContent(ctx, full, nil)
		if err != nil {
			return existing, 0, llm.Wrap(err, s.llmClient.GetModelName(), "summarizer: fold "+label, llm.DetectErrorCategory(err, 0))
		}
		candidate := strings.TrimSpace(resp.Content)
		if preservesExisting(existing, candidate) && !genericPlaceholderPattern.MatchString(candidate) {
			return candidate, estimateConfidence(candidate, chunk), nil
		}
		prompt = preserveAllPrompt
	}
	return existing, 0, nil
}

func (s *Summarizer) summarizeOverview(ctx context.Context, diagrams map[string]string) (string, error) {
	names := make([]string, 0, len(diagrams))
	for name := range diagrams {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You are given one flow diagram per top-level folder of a smart contract codebase. Produce a single Mermaid diagram giving a global overview that links the folders, using the exact contract and function names found in the diagrams below; never invent generic placeholder names. Respond with the Mermaid diagram only.\n\n")
	for _, name := range names {
		fmt.Fprintf(&b, "Folder %s:\n%s\n\n", name, diagrams[name])
	}

	resp, err := s.llmClient.GenerateContent(ctx, b.String(), nil)
	if err != nil {
		return "", llm.Wrap(err, s.llmClient.GetModelName(), "summarizer: global overview", llm.DetectErrorCategory(err, 0))
	}
	overview := strings.TrimSpace(resp.Content)
	if genericPlaceholderPattern.MatchString(overview) {
		return "", fmt.Errorf("summarizer: global overview used a generic placeholder name")
	}
	return overview, nil
}

// chunkFile splits a file's content at function boundaries so that no
// single prompt chunk exceeds the configured token budget. A file with no
// known functions, or one within budget, is returned as a single chunk.
func (s *Summarizer) chunkFile(f model.File, fns []model.Function) []string {
	_, _, tokens := fileutil.CalculateStatistics(f.Content)
	if tokens <= s.cfg.TokenBudgetPerCall || len(fns) == 0 {
		return []string{f.Content}
	}

	sortedFns := make([]model.Function, len(fns))
	copy(sortedFns, fns)
	sort.Slice(sortedFns, func(i, j int) bool { return sortedFns[i].StartLine < sortedFns[j].StartLine })

	var chunks []string
	var current strings.Builder
	currentTokens := 0
	for _, fn := range sortedFns {
		_, _, fnTokens := fileutil.CalculateStatistics(fn.Content)
		if currentTokens > 0 && currentTokens+fnTokens > s.cfg.TokenBudgetPerCall {
			chunks = append(chunks, current.String())
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(fn.Content)
		current.WriteString("\n\n")
		currentTokens += fnTokens
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// preservesExisting reports whether every non-blank line of the existing
// diagram survives verbatim in the candidate, enforcing the "only add"
// contract without requiring a full Mermaid parse.
func preservesExisting(existing, candidate string) bool {
	for _, line := range strings.Split(existing, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.Contains(candidate, trimmed) {
			return false
		}
	}
	return true
}

var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// estimateConfidence scores how much of a chunk's identifier vocabulary
// made it into the diagram, used to pick reinforcement targets.
func estimateConfidence(diagram, chunk string) float64 {
	tokens := identifierPattern.FindAllString(chunk, -1)
	if len(tokens) == 0 {
		return 1
	}
	seen := make(map[string]bool, len(tokens))
	found := 0
	total := 0
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		total++
		if strings.Contains(diagram, t) {
			found++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(found) / float64(total)
}

func lowestConfidence(confidences map[string]float64, n int) []string {
	type entry struct {
		path string
		conf float64
	}
	entries := make([]entry, 0, len(confidences))
	for p, c := range confidences {
		entries = append(entries, entry{p, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].conf != entries[j].conf {
			return entries[i].conf < entries[j].conf
		}
		return entries[i].path < entries[j].path
	})
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = entries[i].path
	}
	return out
}

func findFile(files []model.File, relPath string) *model.File {
	for i := range files {
		if files[i].RelativePath == relPath {
			return &files[i]
		}
	}
	return nil
}

func sortedByPath(files []model.File) []model.File {
	sorted := make([]model.File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })
	return sorted
}

func groupFunctionsByFile(functions []model.Function) map[string][]model.Function {
	out := make(map[string][]model.Function)
	for _, fn := range functions {
		out[fn.RelativeFilePath] = append(out[fn.RelativeFilePath], fn)
	}
	return out
}

func groupByFolder(files []model.File) map[string][]model.File {
	out := make(map[string][]model.File)
	for _, f := range files {
		key := topLevelFolder(f.RelativePath)
		out[key] = append(out[key], f)
	}
	return out
}

func topLevelFolders(files []model.File) []string {
	seen := make(map[string]bool)
	for _, f := range files {
		seen[topLevelFolder(f.RelativePath)] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func topLevelFolder(relPath string) string {
	relPath = filepath.ToSlash(relPath)
	if idx := strings.IndexByte(relPath, '/'); idx >= 0 {
		return relPath[:idx]
	}
	return "."
}

func sanitizeFolderName(name string) string {
	if name == "." {
		return "root"
	}
	return strings.NewReplacer("/", "_", ".", "_").Replace(name)
}

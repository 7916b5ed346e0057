// Package engine wires together the project audit store (component A),
// the embedding/vector index (component B), the call-tree builder
// (component C), the business-flow processor (component D), the code
// summarizer (component E), the context factory (component F), the
// planner (component G), the validator (component H), and the result
// processor (component I) into the single end-to-end run described by
// spec.md section 2's data-flow diagram. Grounded on
// internal/thinktank/orchestrator.Orchestrator.Run's step-numbered,
// logged pipeline shape, generalized from "gather context, build prompt,
// process models, synthesize" to this engine's nine-component pipeline.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cascadehq/auditengine/internal/auditlog"
	"github.com/cascadehq/auditengine/internal/businessflow"
	"github.com/cascadehq/auditengine/internal/calltree"
	"github.com/cascadehq/auditengine/internal/config"
	"github.com/cascadehq/auditengine/internal/contextfactory"
	"github.com/cascadehq/auditengine/internal/embedding"
	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/logutil"
	"github.com/cascadehq/auditengine/internal/metrics"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/planner"
	"github.com/cascadehq/auditengine/internal/ratelimit"
	"github.com/cascadehq/auditengine/internal/resultprocessor"
	"github.com/cascadehq/auditengine/internal/runutil"
	"github.com/cascadehq/auditengine/internal/store"
	"github.com/cascadehq/auditengine/internal/summarizer"
	"github.com/cascadehq/auditengine/internal/validator"
	"github.com/cascadehq/auditengine/internal/vectorindex"
)

// Engine runs the full audit pipeline for one project against one already
// opened store and one already constructed LLM/embedding pair.
type Engine struct {
	cfg         config.EngineConfig
	store       *store.Store
	llmClient   llm.LLMClient
	embedder    embedding.Provider
	index       *vectorindex.Index
	rules       []planner.Rule
	logger      logutil.LoggerInterface
	auditLogger auditlog.StructuredLogger
	metrics     metrics.Collector
}

// New builds an Engine. rules defaults to planner.DefaultRules() if nil.
// auditLogger defaults to a no-op logger if nil. Pass a
// metrics.NewCollector to record step durations and task counters; a
// nil collector falls back to metrics.NewNoopCollector.
func New(
	cfg config.EngineConfig,
	st *store.Store,
	llmClient llm.LLMClient,
	embedder embedding.Provider,
	rules []planner.Rule,
	logger logutil.LoggerInterface,
	auditLogger auditlog.StructuredLogger,
	collector metrics.Collector,
) *Engine {
	if rules == nil {
		rules = planner.DefaultRules()
	}
	if auditLogger == nil {
		auditLogger = auditlog.NewNoopLogger()
	}
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &Engine{
		cfg:         cfg,
		store:       st,
		llmClient:   llmClient,
		embedder:    embedder,
		index:       vectorindex.New(st.DB(), embedder),
		rules:       rules,
		logger:      logger,
		auditLogger: auditLogger,
		metrics:     collector,
	}
}

// Summary tallies a run's task outcomes for the final report (spec.md
// section 7: "the final report distinguishes three task outcomes").
type Summary struct {
	Confirmed      int
	Rejected       int
	Skipped        int
	SkippedReasons map[string]int // error kind -> count
}

// Result is everything a caller needs to render a report after a run.
type Result struct {
	ProjectID string
	Tasks     []model.Task
	Clusters  []model.Cluster
	Findings  []model.Finding
	Flows     []model.Flow
	Summary   Summary
}

// Run executes the full pipeline for projectID: ingestion, embedding,
// call-tree construction, flow derivation, planning, validation, and
// result processing, in that order (spec.md section 2).
func (e *Engine) Run(ctx context.Context, projectID string) (Result, error) {
	runName := runutil.GenerateRunName()
	ctx = logutil.WithCorrelationID(ctx, runName)
	logger := e.logger.WithContext(ctx)
	defer e.metrics.Flush()
	defer e.metrics.StartTimer("engine.run.total", "project", projectID, "run", runName)()

	logger.InfoContext(ctx, "starting run %s for project %s", runName, projectID)

	logger.InfoContext(ctx, "loading functions_to_check for project %s", projectID)
	functions, err := e.store.LoadFunctionsToCheck(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load functions: %w", err)
	}
	e.metrics.SetGauge("engine.functions.count", float64(len(functions)), "project", projectID)
	if len(functions) == 0 {
		logger.InfoContext(ctx, "project %s has no functions; pipeline terminates with an empty report", projectID)
		return Result{ProjectID: projectID}, nil
	}

	files, err := e.deriveFiles(functions)
	if err != nil {
		return Result{}, fmt.Errorf("engine: derive files: %w", err)
	}
	if err := e.store.UpsertFiles(ctx, files); err != nil {
		return Result{}, fmt.Errorf("engine: upsert files: %w", err)
	}
	if err := e.store.UpsertFunctions(ctx, functions); err != nil {
		return Result{}, fmt.Errorf("engine: upsert functions: %w", err)
	}

	logger.InfoContext(ctx, "generating natural-language descriptions")
	stopDescribe := e.metrics.StartTimer("engine.describe", "project", projectID)
	functions, files, err = e.describe(ctx, functions, files)
	stopDescribe()
	if err != nil {
		return Result{}, fmt.Errorf("engine: generate descriptions: %w", err)
	}

	logger.InfoContext(ctx, "ingesting embeddings (component B)")
	stopEmbed := e.metrics.StartTimer("engine.embed", "project", projectID)
	err = e.ingestEmbeddings(ctx, functions, files)
	stopEmbed()
	if err != nil {
		return Result{}, fmt.Errorf("engine: ingest embeddings: %w", err)
	}

	logger.InfoContext(ctx, "building call trees (component C)")
	stopTrees := e.metrics.StartTimer("engine.calltrees", "project", projectID)
	ctBuilder := calltree.NewBuilder(functions, 0, e.cfg.Pipeline.MaxWorkers)
	trees, err := ctBuilder.Build(ctx)
	stopTrees()
	if err != nil {
		return Result{}, fmt.Errorf("engine: build call trees: %w", err)
	}
	for _, amb := range ctBuilder.Ambiguities() {
		e.auditLogger.Log(auditlog.NewAuditEvent("INFO", "CallSiteAmbiguity", "ambiguous call-site resolution").
			WithMetadata("caller", amb.CallerID).
			WithMetadata("short_name", amb.ShortName).
			WithMetadata("chosen", amb.Candidate))
	}

	flows, err := e.deriveFlows(ctx, projectID, functions, files)
	if err != nil {
		return Result{}, fmt.Errorf("engine: derive business flows: %w", err)
	}
	logger.InfoContext(ctx, "resolved %d business flows", len(flows))

	factory, err := contextfactory.New(contextfactory.Config{
		TokenBudget: e.cfg.Pipeline.ContextTokenBudget,
	}, functions, files, flows, trees, e.index)
	if err != nil {
		return Result{}, fmt.Errorf("engine: build context factory: %w", err)
	}

	switches := planner.Switches{
		BusinessCode: e.cfg.Switches.BusinessCode,
		FileCode:     e.cfg.Switches.FileCode,
		FunctionCode: e.cfg.Switches.FunctionCode,
	}
	// Boundary behavior (spec.md section 8): a single-function project in
	// BUSINESS_FLOW mode with no resolvable flow falls back to FUNCTION mode.
	if switches.BusinessCode && len(flows) == 0 && len(functions) == 1 {
		logger.InfoContext(ctx, "no business flow resolved for single-function project; falling back to FUNCTION mode")
		switches.FunctionCode = true
	}

	pl := planner.New(e.store, factory, e.rules, nil)
	logger.InfoContext(ctx, "planning tasks (component G)")
	tasks, err := pl.Plan(ctx, projectID, switches, functions, files, flows)
	if err != nil {
		return Result{}, fmt.Errorf("engine: plan tasks: %w", err)
	}
	logger.InfoContext(ctx, "planned %d tasks", len(tasks))
	e.metrics.AddCounter("engine.tasks.planned", int64(len(tasks)), "project", projectID)

	logger.InfoContext(ctx, "validating tasks (component H)")
	stopValidate := e.metrics.StartTimer("engine.validate", "project", projectID)
	tasks, err = e.validateAll(ctx, factory, tasks)
	stopValidate()
	if err != nil {
		return Result{}, fmt.Errorf("engine: validate tasks: %w", err)
	}

	logger.InfoContext(ctx, "clustering findings (component I)")
	stopCluster := e.metrics.StartTimer("engine.cluster", "project", projectID)
	rp := resultprocessor.New(resultprocessor.Config{
		MaxGroupSize:     e.cfg.Pipeline.MaxGroupSize,
		ClusteringRounds: e.cfg.Pipeline.ClusteringRounds,
		MaxWorkers:       e.cfg.Pipeline.MaxWorkers,
	}, e.store, e.llmClient, nil)
	clusters, err := rp.Process(ctx, projectID)
	stopCluster()
	if err != nil {
		return Result{}, fmt.Errorf("engine: process results: %w", err)
	}
	e.metrics.SetGauge("engine.clusters.count", float64(len(clusters)), "project", projectID)

	findings, err := e.store.GetFindingsByTask(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load findings: %w", err)
	}

	summary := summarize(tasks)
	e.metrics.SetGauge("engine.tasks.confirmed", float64(summary.Confirmed), "project", projectID)
	e.metrics.SetGauge("engine.tasks.rejected", float64(summary.Rejected), "project", projectID)
	e.metrics.SetGauge("engine.tasks.skipped", float64(summary.Skipped), "project", projectID)

	return Result{
		ProjectID: projectID,
		Tasks:     tasks,
		Clusters:  clusters,
		Findings:  findings,
		Flows:     flows,
		Summary:   summary,
	}, nil
}

// summarize tallies task outcomes per spec.md section 7's three-way split.
func summarize(tasks []model.Task) Summary {
	s := Summary{SkippedReasons: map[string]int{}}
	for _, t := range tasks {
		switch t.Status {
		case model.StatusSkipped:
			s.Skipped++
			kind := t.ErrorKind
			if kind == "" {
				kind = "Unknown"
			}
			s.SkippedReasons[kind]++
		case model.StatusDone:
			if outcome(t) == "confirmed" {
				s.Confirmed++
			} else if outcome(t) == "rejected" {
				s.Rejected++
			}
		}
	}
	return s
}

// outcome reads the final round's verdict off a DONE task.
func outcome(t model.Task) string {
	if len(t.Rounds) == 0 {
		return "none"
	}
	return t.Rounds[len(t.Rounds)-1].Verdict
}

// deriveFiles groups the function table by relative file path and reads
// each file's full content from disk, building the File records spec.md
// section 3 describes (the external parser emits only function rows).
func (e *Engine) deriveFiles(functions []model.Function) ([]model.File, error) {
	type acc struct {
		file  model.File
		order int
	}
	byPath := make(map[string]*acc)
	order := 0
	for _, fn := range functions {
		a, ok := byPath[fn.RelativeFilePath]
		if !ok {
			content, err := os.ReadFile(fn.AbsoluteFilePath)
			if err != nil {
				// The source file is not reachable from this process (e.g. a
				// relocated project); fall back to the contract body already
				// carried on the function record rather than failing ingestion.
				content = []byte(fn.ContractCode)
			}
			a = &acc{file: model.File{
				RelativePath: fn.RelativeFilePath,
				AbsolutePath: fn.AbsoluteFilePath,
				Content:      string(content),
				ByteLength:   len(content),
				Extension:    filepath.Ext(fn.RelativeFilePath),
			}, order: order}
			order++
			byPath[fn.RelativeFilePath] = a
		}
		a.file.FunctionIDs = append(a.file.FunctionIDs, fn.ID)
	}

	files := make([]model.File, 0, len(byPath))
	for _, a := range byPath {
		files = append(files, a.file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
	return files, nil
}

// describe fills in NaturalLanguage for any function/file record that
// lacks one, by issuing one summarization call per record (spec.md section
// 4.B: "natural descriptions are produced by a summarization LLM call on
// first ingestion"), bounded by a small worker pool since each call is
// itself LLM-bound.
func (e *Engine) describe(ctx context.Context, functions []model.Function, files []model.File) ([]model.Function, []model.File, error) {
	if e.llmClient == nil {
		return functions, files, nil
	}

	sem := ratelimit.NewSemaphore(e.cfg.Pipeline.MaxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := range functions {
		if functions[i].NaturalLanguage != "" {
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				setErr(err)
				return
			}
			defer sem.Release()
			desc, err := e.summarizeOne(ctx, fmt.Sprintf(
				"Summarize, in one or two sentences, what the following smart-contract function does:\n\n%s",
				functions[i].Content))
			if err != nil {
				setErr(err)
				return
			}
			mu.Lock()
			functions[i].NaturalLanguage = desc
			mu.Unlock()
			if err := e.store.UpdateFunctionDescription(ctx, functions[i].ID, desc); err != nil {
				setErr(err)
			}
		}()
	}

	for i := range files {
		if files[i].NaturalLanguage != "" {
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				setErr(err)
				return
			}
			defer sem.Release()
			desc, err := e.summarizeOne(ctx, fmt.Sprintf(
				"Summarize, in one or two sentences, the purpose of the following source file:\n\n%s",
				files[i].Content))
			if err != nil {
				setErr(err)
				return
			}
			mu.Lock()
			files[i].NaturalLanguage = desc
			mu.Unlock()
			if err := e.store.UpdateFileDescription(ctx, files[i].RelativePath, desc); err != nil {
				setErr(err)
			}
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return functions, files, nil
}

func (e *Engine) summarizeOne(ctx context.Context, prompt string) (string, error) {
	result, err := e.llmClient.GenerateContent(ctx, prompt, nil)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// ingestEmbeddings populates the three function-table vector columns and
// the two file-table vector columns, rebuilding from scratch whenever a
// column's populated-row count diverges from the source count (spec.md
// section 4.B's rebuild policy).
func (e *Engine) ingestEmbeddings(ctx context.Context, functions []model.Function, files []model.File) error {
	type job struct {
		table  vectorindex.Table
		column vectorindex.Column
		items  []vectorindex.IngestionItem
	}

	var jobs []job

	funcContent := make([]vectorindex.IngestionItem, 0, len(functions))
	funcName := make([]vectorindex.IngestionItem, 0, len(functions))
	funcNatural := make([]vectorindex.IngestionItem, 0, len(functions))
	for _, fn := range functions {
		funcContent = append(funcContent, vectorindex.IngestionItem{ID: fn.ID, Text: fn.Content})
		funcName = append(funcName, vectorindex.IngestionItem{ID: fn.ID, Text: fn.ID})
		funcNatural = append(funcNatural, vectorindex.IngestionItem{ID: fn.ID, Text: fn.NaturalLanguage})
	}
	jobs = append(jobs,
		job{vectorindex.TableFunctions, vectorindex.ColumnFunctionContent, funcContent},
		job{vectorindex.TableFunctions, vectorindex.ColumnFunctionName, funcName},
		job{vectorindex.TableFunctions, vectorindex.ColumnFunctionNatural, funcNatural},
	)

	fileContent := make([]vectorindex.IngestionItem, 0, len(files))
	fileNatural := make([]vectorindex.IngestionItem, 0, len(files))
	for _, f := range files {
		fileContent = append(fileContent, vectorindex.IngestionItem{ID: f.RelativePath, Text: f.Content})
		fileNatural = append(fileNatural, vectorindex.IngestionItem{ID: f.RelativePath, Text: f.NaturalLanguage})
	}
	jobs = append(jobs,
		job{vectorindex.TableFiles, vectorindex.ColumnFileContent, fileContent},
		job{vectorindex.TableFiles, vectorindex.ColumnFileNatural, fileNatural},
	)

	for _, j := range jobs {
		needsRebuild, err := e.index.NeedsRebuild(ctx, j.table, j.column)
		if err != nil {
			return err
		}
		if !needsRebuild {
			continue
		}
		if err := e.index.Ingest(ctx, j.table, j.column, j.items); err != nil {
			return err
		}
	}
	return nil
}

// deriveFlows runs the code summarizer ahead of the business-flow
// processor whenever no JSON flow source is present, so the processor's
// Mermaid precedence (spec.md section 4.D step 2) has a diagram to read
// (spec.md section 8 scenario 2).
func (e *Engine) deriveFlows(ctx context.Context, projectID string, functions []model.Function, files []model.File) ([]model.Flow, error) {
	bf := businessflow.NewProcessor(businessflow.Config{
		JSONRoot:    e.cfg.Paths.JSONRoot,
		MermaidRoot: e.cfg.Paths.MermaidRoot,
	}, e.index, e.llmClient)

	if !e.hasJSONSource(projectID) && e.llmClient != nil {
		sm := summarizer.NewSummarizer(summarizer.Config{
			OutputDir:  e.cfg.Paths.MermaidRoot,
			MaxWorkers: e.cfg.Pipeline.MaxWorkers,
		}, e.llmClient)
		if _, err := sm.Produce(ctx, projectID, files, functions); err != nil {
			return nil, fmt.Errorf("summarizer: %w", err)
		}
	}

	return bf.ProduceFlows(ctx, projectID, functions)
}

func (e *Engine) hasJSONSource(projectID string) bool {
	if e.cfg.Paths.JSONRoot == "" {
		return false
	}
	entries, err := os.ReadDir(filepath.Join(e.cfg.Paths.JSONRoot, projectID))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			return true
		}
	}
	return false
}

// validateAll drives every PLANNED task through the validator with a
// bounded worker pool (spec.md section 5: "the validator may run a bounded
// worker pool; task-level writes are serialized per task row").
func (e *Engine) validateAll(ctx context.Context, factory *contextfactory.Factory, tasks []model.Task) ([]model.Task, error) {
	v := validator.New(validator.Config{
		MaxRounds: e.cfg.Pipeline.MaxConfirmationRounds,
	}, e.store, e.llmClient, factory, nil)

	sem := ratelimit.NewSemaphore(e.cfg.Pipeline.MaxWorkers)
	results := make([]model.Task, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			defer sem.Release()

			done, err := v.Validate(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[i] = done
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

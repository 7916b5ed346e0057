// Package planner enumerates audit tasks from the function table, the
// validated business flows, and the configured scan-mode switches
// (spec.md section 4.G). It never invokes an LLM: task-payload assembly
// draws on the context factory (component F) and persistence is delegated
// to the store (component A), with idempotent creation keyed on
// (project_id, target_id, rule_key, scan_mode).
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cascadehq/auditengine/internal/contextfactory"
	"github.com/cascadehq/auditengine/internal/model"
)

// Rule is one checklist entry the planner enumerates a task for against
// every target of an active scan mode.
type Rule struct {
	Key  string
	Text string
}

// Switches mirrors config.ScanSwitches without importing internal/config,
// keeping the planner decoupled from configuration file shape.
type Switches struct {
	BusinessCode bool
	FileCode     bool
	FunctionCode bool
}

// DefaultRules is the built-in vulnerability checklist applied to every
// target when no project-specific rule set is configured. Keys match the
// category names used throughout spec.md's glossary and examples.
func DefaultRules() []Rule {
	return []Rule{
		{Key: "reentrancy", Text: "Does this code make an external call before finalizing its own state updates, allowing a reentrant call to observe or exploit stale state?"},
		{Key: "access-control", Text: "Can a caller without the intended privilege level reach a state-changing or fund-moving path here?"},
		{Key: "arithmetic", Text: "Can any arithmetic here overflow, underflow, truncate, or otherwise produce a value the caller does not expect?"},
		{Key: "unchecked-external-call", Text: "Is the return value or success status of an external call or low-level send ignored in a way that could mask failure?"},
		{Key: "oracle-manipulation", Text: "Does this code rely on a price, balance, or other external value that a caller could manipulate within a single transaction?"},
		{Key: "front-running", Text: "Can the outcome of this code be front-run or sandwiched by an attacker observing the pending transaction?"},
		{Key: "denial-of-service", Text: "Can an attacker cause this code to revert, loop unboundedly, or otherwise block legitimate callers?"},
		{Key: "improper-validation", Text: "Are inputs, array bounds, or invariants left unchecked in a way that could be violated by a malicious caller?"},
	}
}

// TaskStore is the subset of internal/store.Store the planner needs.
type TaskStore interface {
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
}

// IDGenerator produces a task id. Overridable in tests for determinism.
type IDGenerator func() string

// Planner enumerates targets per active scan mode and persists one task
// per (target, rule) pair.
type Planner struct {
	store   TaskStore
	factory *contextfactory.Factory
	rules   []Rule
	newID   IDGenerator
}

// New builds a Planner. rules is the checklist applied to every target of
// every active mode. newID defaults to a random id generator if nil.
func New(store TaskStore, ctxFactory *contextfactory.Factory, rules []Rule, newID IDGenerator) *Planner {
	if newID == nil {
		newID = defaultIDGenerator
	}
	return &Planner{store: store, factory: ctxFactory, rules: rules, newID: newID}
}

// Plan enumerates tasks for projectID given the active switches, the
// function table, files, and validated flows, and persists them in status
// PLANNED. It returns the full set of tasks now on the queue (existing
// rows reused, new rows created).
func (p *Planner) Plan(ctx context.Context, projectID string, switches Switches, functions []model.Function, files []model.File, flows []model.Flow) ([]model.Task, error) {
	var tasks []model.Task

	if switches.BusinessCode {
		t, err := p.planBusinessFlows(ctx, projectID, flows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t...)
	}
	if switches.FileCode {
		t, err := p.planFiles(ctx, projectID, files, functions)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t...)
	}
	if switches.FunctionCode {
		t, err := p.planFunctions(ctx, projectID, functions)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t...)
	}

	return tasks, nil
}

func (p *Planner) planBusinessFlows(ctx context.Context, projectID string, flows []model.Flow) ([]model.Task, error) {
	sorted := make([]model.Flow, len(flows))
	copy(sorted, flows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var tasks []model.Task
	for _, flow := range sorted {
		if len(flow.ResolvedSteps) == 0 {
			continue
		}
		var attached string
		if p.factory != nil {
			blob, err := p.factory.Hybrid(ctx, flow.ResolvedSteps[0], contextfactory.HybridOptions{IncludeFlow: true})
			if err == nil {
				attached = blob
			}
		}
		attached = strings.TrimSpace(attached + "\n\nsteps: " + strings.Join(flow.ResolvedSteps, " -> "))

		for _, rule := range p.rules {
			task, err := p.createTask(ctx, model.Task{
				ID:        p.newID(),
				ProjectID: projectID,
				TargetID:  flow.ID,
				Name:      flow.Name,
				RuleKey:   rule.Key,
				RuleText:  rule.Text,
				ScanMode:  model.ScanModeBusinessFlow,
				Code:      flow.ExpandedText,
				Context:   attached,
			})
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (p *Planner) planFiles(ctx context.Context, projectID string, files []model.File, functions []model.Function) ([]model.Task, error) {
	byFile := make(map[string][]model.Function)
	for _, fn := range functions {
		byFile[fn.RelativeFilePath] = append(byFile[fn.RelativeFilePath], fn)
	}

	sorted := make([]model.File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	var tasks []model.Task
	for _, file := range sorted {
		var attached strings.Builder
		if p.factory != nil {
			if blob, _, err := p.factory.RAGContext(ctx, file.RelativePath, 0, contextfactory.ModalityFileNatural); err == nil {
				attached.WriteString(blob)
			}
		}
		fns := byFile[file.RelativePath]
		sort.Slice(fns, func(i, j int) bool { return fns[i].StartLine < fns[j].StartLine })
		for _, fn := range fns {
			if p.factory == nil {
				continue
			}
			if digest, err := p.factory.CallTreeContext(fn.ID, 1); err == nil {
				attached.WriteString("\n")
				attached.WriteString(digest)
			}
		}

		for _, rule := range p.rules {
			task, err := p.createTask(ctx, model.Task{
				ID:        p.newID(),
				ProjectID: projectID,
				TargetID:  file.RelativePath,
				Name:      file.RelativePath,
				RuleKey:   rule.Key,
				RuleText:  rule.Text,
				ScanMode:  model.ScanModeFile,
				Code:      file.Content,
				Context:   attached.String(),
			})
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (p *Planner) planFunctions(ctx context.Context, projectID string, functions []model.Function) ([]model.Task, error) {
	sorted := make([]model.Function, len(functions))
	copy(sorted, functions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var tasks []model.Task
	for _, fn := range sorted {
		var attached string
		if p.factory != nil {
			if blob, err := p.factory.Hybrid(ctx, fn.ID, contextfactory.HybridOptions{IncludeRAG: true, IncludeTree: true}); err == nil {
				attached = blob
			}
		}

		for _, rule := range p.rules {
			task, err := p.createTask(ctx, model.Task{
				ID:        p.newID(),
				ProjectID: projectID,
				TargetID:  fn.ID,
				Name:      fn.Name,
				RuleKey:   rule.Key,
				RuleText:  rule.Text,
				ScanMode:  model.ScanModeFunction,
				Code:      fn.Content,
				Context:   attached,
			})
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (p *Planner) createTask(ctx context.Context, task model.Task) (model.Task, error) {
	created, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return model.Task{}, fmt.Errorf("planner: create task for %s/%s: %w", task.TargetID, task.RuleKey, err)
	}
	return created, nil
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

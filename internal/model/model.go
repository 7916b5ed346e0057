// Package model defines the tagged-union record types shared across the
// audit engine's pipeline: parsed functions and files (ingested from the
// external parser), business flows, audit tasks, and the findings the
// result processor emits. These replace the dynamically-typed records the
// source system passes between phases with explicit Go structs.
package model

import "time"

// Visibility is a Solidity-style function visibility modifier.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityExternal Visibility = "external"
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
)

// StateMutability is a Solidity-style state mutability modifier.
type StateMutability string

const (
	MutabilityPure       StateMutability = "pure"
	MutabilityView       StateMutability = "view"
	MutabilityPayable    StateMutability = "payable"
	MutabilityNonpayable StateMutability = "nonpayable"
)

// Function is the unit of analysis: one row from the external parser's
// functions_to_check table (spec.md section 6), enriched with a generated
// natural-language description.
//
// ID is "ContractName.FunctionName", or "FileName.FunctionName" when the
// function is file-scoped (ContractName == ""). ID is unique within a
// project; (RelativeFilePath, StartLine) is unique; ContractName is empty
// iff the function is file-scoped.
type Function struct {
	ID                string
	Name              string
	Content           string
	StartLine         int
	EndLine           int
	RelativeFilePath  string
	AbsoluteFilePath  string
	ContractName      string
	ContractCode      string
	Modifiers         []string
	Visibility        Visibility
	StateMutability   StateMutability
	NaturalLanguage   string // generated description, empty until summarized
}

// IsFileScoped reports whether this function has no owning contract.
func (f *Function) IsFileScoped() bool {
	return f.ContractName == ""
}

// File is one source file discovered by the parser.
type File struct {
	RelativePath    string
	AbsolutePath    string
	Content         string
	ByteLength      int
	FunctionIDs     []string
	Extension       string
	NaturalLanguage string // generated description, empty until summarized
}

// FlowSource records where a business flow's steps were derived from.
type FlowSource string

const (
	FlowSourceJSON    FlowSource = "json_file"
	FlowSourceMermaid FlowSource = "mermaid"
	FlowSourceAST     FlowSource = "ast"
	FlowSourceLLM     FlowSource = "llm"
)

// Flow is an ordered, finite sequence of function ids representing a
// user-facing scenario. Steps that fail to resolve to a function id are
// dropped (ResolvedSteps), not silently renamed; if every step fails to
// resolve the flow itself is dropped by the caller (it is never
// constructed with zero resolved steps).
type Flow struct {
	ID             string
	Name           string
	ProjectID      string
	Source         FlowSource
	RawSteps       []string // steps as written in the source, in order
	ResolvedSteps  []string // function ids, in source order, unresolved steps omitted
	DroppedSteps   []string // raw step strings that failed to resolve
	ExpandedText   string   // concatenated bodies of ResolvedSteps, in order
}

// Flagged reports whether the flow dropped at least one step during resolution.
func (f *Flow) Flagged() bool {
	return len(f.DroppedSteps) > 0
}

// ScanMode identifies which granularity of the codebase a task targets.
type ScanMode string

const (
	ScanModeBusinessFlow ScanMode = "BUSINESS_FLOW"
	ScanModeFile         ScanMode = "FILE"
	ScanModeFunction     ScanMode = "FUNCTION"
)

// TaskStatus is the task lifecycle state (spec.md section 3/4.H).
type TaskStatus string

const (
	StatusPlanned    TaskStatus = "PLANNED"
	StatusAnalyzing  TaskStatus = "ANALYZING"
	StatusConfirming TaskStatus = "CONFIRMING"
	StatusDone       TaskStatus = "DONE"
	StatusSkipped    TaskStatus = "SKIPPED"
)

// RoundRecord captures one confirmation round's prompt/response pair for
// idempotent resumability: re-running a task replays completed rounds from
// the prompt cache instead of re-issuing the LLM call.
type RoundRecord struct {
	Round        int
	PromptHash   string
	Response     string
	Confidence   float64
	Verdict      string // "confirmed" | "rejected" | "" (inconclusive)
	ErrorKind    string
	RecordedAt   time.Time
}

// Task is the fundamental unit of work: one (target, rule, scan_mode) pair.
// Keyed by (ProjectID, TargetID, RuleKey, ScanMode) — idempotent on re-run
// (spec.md section 4.G). Once Status is DONE, fields are append-only.
type Task struct {
	ID         string
	ProjectID  string
	TargetID   string // function id, file path, or flow id depending on ScanMode
	Name       string
	RuleKey    string
	RuleText   string
	ScanMode   ScanMode
	Code       string // function body, file body, or concatenated flow bodies
	Context    string // attached context blob from the context factory
	Status     TaskStatus
	Round      int // current confirmation round, meaningful when Status == CONFIRMING
	Rounds     []RoundRecord
	Confidence float64
	ErrorKind  string // set when Status == SKIPPED
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskKey is the idempotency key of a task (spec.md section 3/8).
type TaskKey struct {
	ProjectID string
	TargetID  string
	RuleKey   string
	ScanMode  ScanMode
}

// Key returns this task's idempotency key.
func (t *Task) Key() TaskKey {
	return TaskKey{ProjectID: t.ProjectID, TargetID: t.TargetID, RuleKey: t.RuleKey, ScanMode: t.ScanMode}
}

// Severity is a normalized finding severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Finding is a single candidate vulnerability surfaced by a task, before
// clustering. Confidence is normalized to 0.0-1.0 (the Open Question of
// spec.md section 9 is resolved this way — see DESIGN.md).
type Finding struct {
	ID            string
	TaskID        string
	FlowID        string // business-flow context id, empty for FILE/FUNCTION tasks
	Title         string
	Description   string
	Severity      Severity
	Confidence    float64
	CodeExcerpt   string
	ClusterID     string
}

// Cluster is a set of findings judged semantically equivalent by the result
// processor, with one designated canonical representative.
type Cluster struct {
	ID              string
	FindingIDs      []string
	RepresentativeID string
	Severity        Severity
}

// CacheEntry is a prompt-cache row. Key is a hash of (prompt, model id,
// temperature class); never evicted within a project run.
type CacheEntry struct {
	Key              string
	Response         string
	CreatedAt        time.Time
	PromptTokens     int
	CompletionTokens int
}

package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cascadehq/auditengine/internal/auditlog"
	"github.com/cascadehq/auditengine/internal/config"
	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/logutil"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/store"
)

// fakeLLM answers description prompts with plain text and every other
// prompt (validator rounds, business-flow extraction) with a "none"
// verdict, so a test run terminates every task without needing to model
// real vulnerability analysis.
type fakeLLM struct {
	calls int
}

func (f *fakeLLM) GenerateContent(ctx context.Context, prompt string, params map[string]interface{}) (*llm.ProviderResult, error) {
	f.calls++
	if strings.HasPrefix(prompt, "Summarize") {
		return &llm.ProviderResult{Content: "a test description"}, nil
	}
	return &llm.ProviderResult{Content: `{"verdict":"none","confidence":0.2,"findings":[]}`}, nil
}

func (f *fakeLLM) CountTokens(ctx context.Context, prompt string) (*llm.ProviderTokenCount, error) {
	return &llm.ProviderTokenCount{Total: int32(len(prompt) / 4)}, nil
}

func (f *fakeLLM) GetModelInfo(ctx context.Context) (*llm.ProviderModelInfo, error) {
	return &llm.ProviderModelInfo{Name: "fake-model", InputTokenLimit: 32000, OutputTokenLimit: 4000}, nil
}

func (f *fakeLLM) GetModelName() string { return "fake-model" }

func (f *fakeLLM) Close() error { return nil }

// fakeEmbedder returns a fixed-size deterministic vector for any input,
// varying only in its first component so cosine similarity isn't all-NaN.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, 8)
		vec[0] = float32(len(t)%7 + 1)
		vec[1] = 1
		out[i] = vec
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 8 }

func (fakeEmbedder) Name() string { return "fake" }

func testConfig(t *testing.T, jsonRoot, mermaidRoot, dbPath string) config.EngineConfig {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Paths.JSONRoot = jsonRoot
	cfg.Paths.MermaidRoot = mermaidRoot
	cfg.Paths.DBPath = dbPath
	cfg.Pipeline.MaxWorkers = 2
	return cfg
}

// TestRun_SmallProjectWithJSONFlows exercises spec.md section 8 scenario 1:
// a JSON flow source is present, so no Mermaid generation should be needed,
// and planning should produce a BUSINESS_FLOW task per checklist rule whose
// payload concatenates the flow's two function bodies in order.
func TestRun_SmallProjectWithJSONFlows(t *testing.T) {
	dir := t.TempDir()
	jsonRoot := filepath.Join(dir, "flows")
	projectID := "demo-project"
	require.NoError(t, os.MkdirAll(filepath.Join(jsonRoot, projectID), 0o755))
	flowJSON := `{"flows":[{"name":"Deposit flow","steps":["Vault.deposit","Vault.withdraw"]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(jsonRoot, projectID, "flows.json"), []byte(flowJSON), 0o644))

	dbPath := filepath.Join(dir, "project.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	functions := []model.Function{
		{
			ID: "Vault.deposit", Name: "deposit",
			Content:          "function deposit() external payable { balances[msg.sender] += msg.value; }",
			RelativeFilePath: "contracts/Vault.sol", AbsoluteFilePath: filepath.Join(dir, "Vault.sol"),
			ContractName: "Vault", Visibility: model.VisibilityExternal, StateMutability: model.MutabilityPayable,
		},
		{
			ID: "Vault.withdraw", Name: "withdraw",
			Content:          "function withdraw(uint amount) external { balances[msg.sender] -= amount; msg.sender.call{value: amount}(\"\"); }",
			RelativeFilePath: "contracts/Vault.sol", AbsoluteFilePath: filepath.Join(dir, "Vault.sol"),
			ContractName: "Vault", Visibility: model.VisibilityExternal, StateMutability: model.MutabilityNonpayable,
		},
	}
	require.NoError(t, st.UpsertFunctions(ctx, functions))

	cfg := testConfig(t, jsonRoot, filepath.Join(dir, "mermaid"), dbPath)
	fl := &fakeLLM{}
	eng := New(cfg, st, fl, fakeEmbedder{}, nil, logutil.NewSlogLoggerFromLogLevel(os.Stderr, logutil.ErrorLevel), auditlog.NewNoopLogger(), nil)

	result, err := eng.Run(ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, projectID, result.ProjectID)
	require.Len(t, result.Flows, 1)
	require.Equal(t, model.FlowSourceJSON, result.Flows[0].Source)
	require.Equal(t, []string{"Vault.deposit", "Vault.withdraw"}, result.Flows[0].ResolvedSteps)

	// No Mermaid file should have been written: the JSON source satisfies
	// the precedence before the summarizer ever runs.
	_, statErr := os.Stat(filepath.Join(dir, "mermaid", projectID))
	require.True(t, os.IsNotExist(statErr))

	// Every task reaches a terminal state; the fake LLM always answers
	// "none", so every task is DONE with zero findings.
	require.NotEmpty(t, result.Tasks)
	for _, task := range result.Tasks {
		require.Equal(t, model.StatusDone, task.Status)
	}
	require.Equal(t, 0, result.Summary.Skipped)

	// Re-running is idempotent: task count is unchanged and existing rows
	// are reused rather than duplicated (spec.md section 8).
	second, err := eng.Run(ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, len(result.Tasks), len(second.Tasks))
}

// TestRun_EmptyProject covers spec.md section 8's empty-project boundary:
// zero functions must produce zero tasks and a clean, empty report.
func TestRun_EmptyProject(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "project.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(t, filepath.Join(dir, "flows"), filepath.Join(dir, "mermaid"), dbPath)
	eng := New(cfg, st, &fakeLLM{}, fakeEmbedder{}, nil, logutil.NewSlogLoggerFromLogLevel(os.Stderr, logutil.ErrorLevel), auditlog.NewNoopLogger(), nil)

	result, err := eng.Run(context.Background(), "empty-project")
	require.NoError(t, err)
	require.Empty(t, result.Tasks)
	require.Empty(t, result.Clusters)
}

// TestSummarize checks the three-way task-outcome tally spec.md section 7
// requires, independent of the full pipeline.
func TestSummarize(t *testing.T) {
	tasks := []model.Task{
		{Status: model.StatusDone, Rounds: []model.RoundRecord{{Verdict: "confirmed"}}},
		{Status: model.StatusDone, Rounds: []model.RoundRecord{{Verdict: "rejected"}}},
		{Status: model.StatusSkipped, ErrorKind: "RateLimitError"},
		{Status: model.StatusSkipped, ErrorKind: ""},
	}
	s := summarize(tasks)
	require.Equal(t, 1, s.Confirmed)
	require.Equal(t, 1, s.Rejected)
	require.Equal(t, 2, s.Skipped)
	require.Equal(t, 1, s.SkippedReasons["RateLimitError"])
	require.Equal(t, 1, s.SkippedReasons["Unknown"])
}

// keep json import used for a sanity round-trip of Result, guarding that
// every field the CLI prints is exported and marshals cleanly.
func TestResultMarshalsToJSON(t *testing.T) {
	r := Result{ProjectID: "p", Summary: Summary{Confirmed: 1, SkippedReasons: map[string]int{}}}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.Contains(t, string(b), `"ProjectID"`)
}

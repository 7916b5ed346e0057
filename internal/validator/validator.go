// Package validator drives each planned task through the
// PLANNED -> ANALYZING -> CONFIRMING(k) -> DONE|SKIPPED state machine
// (spec.md section 4.H): an initial analysis surfaces candidate findings,
// then confirmation rounds grow the attached context and ask the LLM
// whether the evidence still confirms them, terminating on a confident
// verdict, a round cap, or context exhaustion.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cascadehq/auditengine/internal/contextfactory"
	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/retry"
)

// Config bounds the validator's round count, confidence thresholds, and
// retry behavior.
type Config struct {
	HighConfidenceThreshold float64
	MaxRounds               int
	MaxLLMRetries           int
	InitialRAGK             int
}

func (c Config) withDefaults() Config {
	if c.HighConfidenceThreshold <= 0 {
		c.HighConfidenceThreshold = 0.85
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.MaxLLMRetries <= 0 {
		c.MaxLLMRetries = 3
	}
	if c.InitialRAGK <= 0 {
		c.InitialRAGK = 5
	}
	return c
}

// TaskStore is the subset of internal/store.Store the validator needs for
// persisting round progress and findings.
type TaskStore interface {
	UpdateTask(ctx context.Context, task model.Task) error
	GetCache(ctx context.Context, key string) (model.CacheEntry, error)
	PutCache(ctx context.Context, entry model.CacheEntry) error
	SaveFinding(ctx context.Context, f model.Finding) error
}

// Validator runs the task state machine.
type Validator struct {
	cfg       Config
	store     TaskStore
	llmClient llm.LLMClient
	factory   *contextfactory.Factory
	newID     func() string
}

// New builds a Validator. newID generates finding ids; if nil, ids are
// derived from the task id and round number.
func New(cfg Config, store TaskStore, llmClient llm.LLMClient, factory *contextfactory.Factory, newID func() string) *Validator {
	return &Validator{cfg: cfg.withDefaults(), store: store, llmClient: llmClient, factory: factory, newID: newID}
}

type roundResponse struct {
	Verdict    string           `json:"verdict"`
	Confidence float64          `json:"confidence"`
	Findings   []findingPayload `json:"findings"`
}

type findingPayload struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	CodeExcerpt string  `json:"code_excerpt"`
}

// Validate drives task through the state machine to completion (DONE or
// SKIPPED), persisting each round's progress. A task already DONE or
// SKIPPED is returned unchanged.
func (v *Validator) Validate(ctx context.Context, task model.Task) (model.Task, error) {
	if task.Status == model.StatusDone || task.Status == model.StatusSkipped {
		return task, nil
	}

	if task.Status == model.StatusPlanned {
		task.Status = model.StatusAnalyzing
		resp, err := v.runRound(ctx, &task, 0, v.initialPrompt(task))
		if err != nil {
			return v.skip(ctx, task, err)
		}
		if resp.Verdict == "none" || len(resp.Findings) == 0 {
			task.Status = model.StatusDone
			task.Confidence = resp.Confidence
			if err := v.store.UpdateTask(ctx, task); err != nil {
				return task, fmt.Errorf("validator: persist done task %s: %w", task.ID, err)
			}
			return task, nil
		}
		task.Status = model.StatusConfirming
		task.Round = 1
		if err := v.store.UpdateTask(ctx, task); err != nil {
			return task, fmt.Errorf("validator: persist confirming task %s: %w", task.ID, err)
		}
	}

	var lastContext string
	for task.Status == model.StatusConfirming {
		round := task.Round
		if round == 0 {
			round = 1
		}

		grownContext := v.growContext(ctx, task, round)
		if grownContext == lastContext && round > 1 {
			// context can no longer grow: terminate with whatever the
			// last round concluded.
			task.Status = model.StatusDone
			break
		}
		lastContext = grownContext
		task.Context = grownContext

		resp, err := v.runRound(ctx, &task, round, v.confirmationPrompt(task, grownContext, round))
		if err != nil {
			return v.skip(ctx, task, err)
		}

		terminal, done := v.evaluateRound(resp, round)
		task.Confidence = resp.Confidence
		if terminal {
			task.Status = model.StatusDone
			if done && resp.Verdict == "confirmed" {
				if err := v.persistFindings(ctx, task, resp.Findings); err != nil {
					return task, err
				}
			}
			break
		}
		task.Round = round + 1
		if err := v.store.UpdateTask(ctx, task); err != nil {
			return task, fmt.Errorf("validator: persist round %d for task %s: %w", round, task.ID, err)
		}
	}

	if task.Status == model.StatusDone {
		if err := v.store.UpdateTask(ctx, task); err != nil {
			return task, fmt.Errorf("validator: persist terminal task %s: %w", task.ID, err)
		}
	}
	return task, nil
}

// evaluateRound applies the termination policy of spec.md section 4.H:
// terminal once confidence clears the high threshold in either direction,
// or once the round cap is hit.
func (v *Validator) evaluateRound(resp roundResponse, round int) (terminal, confirmed bool) {
	if resp.Verdict == "confirmed" && resp.Confidence >= v.cfg.HighConfidenceThreshold {
		return true, true
	}
	if resp.Verdict == "rejected" && resp.Confidence >= v.cfg.HighConfidenceThreshold {
		return true, false
	}
	if round >= v.cfg.MaxRounds {
		return true, resp.Verdict == "confirmed"
	}
	return false, false
}

// runRound issues one LLM round, replaying from the prompt cache when
// available, retrying transient failures with backoff, and recording the
// round on the task for idempotent resumability.
func (v *Validator) runRound(ctx context.Context, task *model.Task, round int, prompt string) (roundResponse, error) {
	hash := promptHash(prompt, v.llmClient.GetModelName())

	var rawResponse string
	if cached, err := v.store.GetCache(ctx, hash); err == nil {
		rawResponse = cached.Response
	} else {
		var obj map[string]interface{}
		retryErr := retry.WithBackoff(ctx, v.cfg.MaxLLMRetries, func() error {
			result, callErr := llm.CompleteJSON(ctx, v.llmClient, prompt, llm.FindingRoundSchema, nil)
			if callErr != nil {
				return callErr
			}
			obj = result
			return nil
		})
		if retryErr != nil {
			return roundResponse{}, retryErr
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			return roundResponse{}, fmt.Errorf("validator: marshal round %d response: %w", round, err)
		}
		rawResponse = string(encoded)
		if err := v.store.PutCache(ctx, model.CacheEntry{Key: hash, Response: rawResponse}); err != nil {
			return roundResponse{}, fmt.Errorf("validator: cache round %d response: %w", round, err)
		}
	}

	var resp roundResponse
	if err := json.Unmarshal([]byte(rawResponse), &resp); err != nil {
		return roundResponse{}, fmt.Errorf("validator: unmarshal round %d response: %w", round, err)
	}

	task.Rounds = append(task.Rounds, model.RoundRecord{
		Round:      round,
		PromptHash: hash,
		Response:   rawResponse,
		Confidence: resp.Confidence,
		Verdict:    resp.Verdict,
	})
	return resp, nil
}

// skip marks task SKIPPED with the error's category annotation on
// persistent failure (spec.md section 4.H: "not treated as confirmed or
// rejected").
func (v *Validator) skip(ctx context.Context, task model.Task, causeErr error) (model.Task, error) {
	task.Status = model.StatusSkipped
	task.ErrorKind = "GeneralError"
	if catErr, ok := llm.IsCategorizedError(causeErr); ok {
		task.ErrorKind = catErr.Category().String()
	}
	if err := v.store.UpdateTask(ctx, task); err != nil {
		return task, fmt.Errorf("validator: persist skipped task %s: %w", task.ID, err)
	}
	return task, nil
}

func (v *Validator) persistFindings(ctx context.Context, task model.Task, findings []findingPayload) error {
	flowID := ""
	if task.ScanMode == model.ScanModeBusinessFlow {
		flowID = task.TargetID
	}
	for i, fp := range findings {
		id := fmt.Sprintf("%s-finding-%d", task.ID, i)
		if v.newID != nil {
			id = v.newID()
		}
		finding := model.Finding{
			ID:          id,
			TaskID:      task.ID,
			FlowID:      flowID,
			Title:       fp.Title,
			Description: fp.Description,
			Severity:    model.Severity(fp.Severity),
			Confidence:  fp.Confidence,
			CodeExcerpt: fp.CodeExcerpt,
		}
		if err := v.store.SaveFinding(ctx, finding); err != nil {
			return fmt.Errorf("validator: save finding for task %s: %w", task.ID, err)
		}
	}
	return nil
}

// growContext extends the attached context each confirmation round by
// pulling additional call-tree depth and additional RAG neighbors (spec.md
// section 4.H). For FUNCTION-mode tasks this widens the hybrid blob
// directly; other modes keep their planner-assigned context, since only
// function targets have a call tree to deepen.
func (v *Validator) growContext(ctx context.Context, task model.Task, round int) string {
	if v.factory == nil || task.ScanMode != model.ScanModeFunction {
		return task.Context
	}
	blob, err := v.factory.Hybrid(ctx, task.TargetID, contextfactory.HybridOptions{
		IncludeRAG:  true,
		IncludeTree: true,
		IncludeFlow: true,
		K:           v.cfg.InitialRAGK + 2*round,
		Depth:       round,
	})
	if err != nil {
		return task.Context
	}
	return blob
}

func (v *Validator) initialPrompt(task model.Task) string {
	return fmt.Sprintf(`You are auditing smart contract code for the rule %q:
%s

Target (%s):
%s

Context:
%s

Respond with a JSON object: {"verdict": "found"|"none", "confidence": 0.0-1.0, "findings": [{"title":"","description":"","severity":"critical|high|medium|low|info","confidence":0.0-1.0,"code_excerpt":""}]}. If no candidate vulnerability exists, respond {"verdict":"none","confidence":1.0,"findings":[]}.`,
		task.RuleKey, task.RuleText, task.ScanMode, task.Code, task.Context)
}

func (v *Validator) confirmationPrompt(task model.Task, context string, round int) string {
	return fmt.Sprintf(`Round %d: given this additional context, does the evidence confirm the previously surfaced finding(s) for rule %q?

Target (%s):
%s

Expanded context:
%s

Respond with a JSON object: {"verdict": "confirmed"|"rejected"|"inconclusive", "confidence": 0.0-1.0, "findings": [{"title":"","description":"","severity":"critical|high|medium|low|info","confidence":0.0-1.0,"code_excerpt":""}]}.`,
		round, task.RuleKey, task.ScanMode, task.Code, context)
}

// promptHash keys the prompt cache on the pair model.CacheEntry's doc
// comment names: prompt text plus model id (the engine runs one model per
// run, so no separate temperature-class dimension exists yet to fold in).
func promptHash(prompt, modelID string) string {
	sum := sha256.Sum256([]byte(modelID + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

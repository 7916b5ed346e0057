package llm

import (
	"errors"
	"fmt"
	"time"
)

// LayerContext records where in the pipeline an error was wrapped: which
// layer, which operation, when, and whatever structured details that layer
// thought worth attaching.
type LayerContext struct {
	Layer         string
	Operation     string
	Timestamp     time.Time
	Details       map[string]interface{}
	CorrelationID string
}

// ContextualError layers a LayerContext onto an existing error without
// discarding it; each pipeline layer it passes through adds one more of
// these around the original.
type ContextualError struct {
	Original error
	Context  LayerContext
}

// Error implements the error interface.
func (e *ContextualError) Error() string {
	return fmt.Sprintf("[%s:%s] %v", e.Context.Layer, e.Context.Operation, e.Original)
}

// Unwrap exposes the wrapped error to errors.Is/errors.As.
func (e *ContextualError) Unwrap() error {
	return e.Original
}

// Category implements CategorizedError by delegating to whatever in the
// chain is itself categorized, defaulting to CategoryUnknown.
func (e *ContextualError) Category() ErrorCategory {
	if catErr, ok := IsCategorizedError(e.Original); ok {
		return catErr.Category()
	}
	return CategoryUnknown
}

func mergeDetails(details, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(details)+len(extra))
	for k, v := range details {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// WrapWithContext attaches a LayerContext to err, recording which layer and
// operation produced the wrap.
func WrapWithContext(err error, layer, operation string, details map[string]interface{}, correlationID string) error {
	if err == nil {
		return nil
	}
	return &ContextualError{
		Original: err,
		Context: LayerContext{
			Layer:         layer,
			Operation:     operation,
			Timestamp:     time.Now(),
			Details:       details,
			CorrelationID: correlationID,
		},
	}
}

// WrapAPIClientError wraps an error originating from a provider API client call.
func WrapAPIClientError(err error, provider, operation string, details map[string]interface{}, correlationID string) error {
	if err == nil {
		return nil
	}
	merged := mergeDetails(details, map[string]interface{}{"provider": provider})
	return WrapWithContext(err, "api-client", operation, merged, correlationID)
}

// WrapModelProcessorError wraps an error originating from model response processing.
func WrapModelProcessorError(err error, model, operation string, details map[string]interface{}, correlationID string) error {
	if err == nil {
		return nil
	}
	merged := mergeDetails(details, map[string]interface{}{"model": model})
	return WrapWithContext(err, "model-processor", operation, merged, correlationID)
}

// WrapOrchestratorError wraps an error originating from the top-level run loop.
func WrapOrchestratorError(err error, operation, workflowStage string, details map[string]interface{}, correlationID string) error {
	if err == nil {
		return nil
	}
	merged := mergeDetails(details, map[string]interface{}{"workflow_stage": workflowStage})
	return WrapWithContext(err, "orchestrator", operation, merged, correlationID)
}

// WrapCLIError wraps an error originating from command-line handling.
func WrapCLIError(err error, command, operation string, args []string, details map[string]interface{}, correlationID string) error {
	if err == nil {
		return nil
	}
	merged := mergeDetails(details, map[string]interface{}{"command": command, "args": args})
	return WrapWithContext(err, "cli", operation, merged, correlationID)
}

// ExtractLayerContext walks err's chain looking for a ContextualError tagged
// with the given layer, returning its LayerContext if found.
func ExtractLayerContext(err error, layer string) (LayerContext, bool) {
	for err != nil {
		if ce, ok := err.(*ContextualError); ok {
			if ce.Context.Layer == layer {
				return ce.Context, true
			}
			err = ce.Original
			continue
		}
		err = errors.Unwrap(err)
	}
	return LayerContext{}, false
}

// ExtractCorrelationID returns the first (outermost) non-empty correlation ID
// found while walking err's chain, checking both ContextualError and LLMError
// carriers.
func ExtractCorrelationID(err error) string {
	for err != nil {
		switch e := err.(type) {
		case *ContextualError:
			if e.Context.CorrelationID != "" {
				return e.Context.CorrelationID
			}
			err = e.Original
			continue
		case *LLMError:
			if e.RequestID != "" {
				return e.RequestID
			}
			err = e.Original
			continue
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// SuggestedAction is one concrete recovery step a given pipeline layer can take.
type SuggestedAction struct {
	Layer  string
	Action string
}

// RecoveryInformation summarizes how an error should be presented and
// recovered from, derived from its category.
type RecoveryInformation struct {
	CorrelationID     string
	UserFacingMessage string
	DeveloperDetails  string
	RetryPossible     bool
	EstimatedWaitTime time.Duration
	SuggestedActions  []SuggestedAction
}

// ExtractRecoveryInformation derives RecoveryInformation from a categorized
// error. Non-categorized errors yield a zero-value RecoveryInformation.
func ExtractRecoveryInformation(err error) RecoveryInformation {
	if err == nil {
		return RecoveryInformation{}
	}
	catErr, ok := IsCategorizedError(err)
	if !ok {
		return RecoveryInformation{}
	}

	info := RecoveryInformation{
		CorrelationID: ExtractCorrelationID(err),
	}

	switch catErr.Category() {
	case CategoryRateLimit:
		info.UserFacingMessage = "Request rate limit exceeded. The system will wait and retry automatically."
		info.DeveloperDetails = "OpenAI API rate limit hit; backing off before retrying."
		info.RetryPossible = true
		info.EstimatedWaitTime = 60 * time.Second
		info.SuggestedActions = []SuggestedAction{
			{Layer: "cli", Action: "Inform the user the run is retrying after a rate limit."},
			{Layer: "orchestrator", Action: "Back off and requeue the affected task."},
			{Layer: "model-processor", Action: "Reduce concurrent requests to this provider."},
			{Layer: "api-client", Action: "Honor the provider's Retry-After header if present."},
		}
	case CategoryAuth:
		info.UserFacingMessage = "Authentication failed. Check your API key configuration."
		info.DeveloperDetails = "Provider rejected the configured credentials."
		info.RetryPossible = false
		info.SuggestedActions = []SuggestedAction{
			{Layer: "cli", Action: "Prompt the user to verify the configured API key."},
			{Layer: "api-client", Action: "Do not retry until credentials are corrected."},
		}
	case CategoryNetwork:
		info.UserFacingMessage = "Network error occurred. Retrying the request."
		info.DeveloperDetails = "Transient network failure reaching the provider."
		info.RetryPossible = true
		info.EstimatedWaitTime = 30 * time.Second
	default:
		info.UserFacingMessage = "An error occurred while processing the request."
		info.DeveloperDetails = "Unclassified error category."
		info.RetryPossible = true
	}

	return info
}

// GetUserFriendlyErrorMessage renders the best available user-facing message
// for err, falling back to err.Error() when no recovery information applies.
func GetUserFriendlyErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	info := ExtractRecoveryInformation(err)
	if info.UserFacingMessage != "" {
		return info.UserFacingMessage
	}
	return err.Error()
}

// GetDeveloperDebugInfo assembles a structured map of everything known about
// err: correlation ID, category, message, per-layer context, and recovery
// information. Returns nil for a nil error.
func GetDeveloperDebugInfo(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	info := make(map[string]interface{})
	info["correlation_id"] = ExtractCorrelationID(err)

	if catErr, ok := IsCategorizedError(err); ok {
		info["error_category"] = catErr.Category().String()
	}
	info["error_message"] = err.Error()

	for _, layer := range []string{"cli", "orchestrator", "model-processor", "api-client"} {
		if ctx, found := ExtractLayerContext(err, layer); found {
			info[layer] = map[string]interface{}{
				"operation": ctx.Operation,
				"timestamp": ctx.Timestamp,
				"details":   ctx.Details,
			}
		}
	}

	recovery := ExtractRecoveryInformation(err)
	info["recovery_info"] = map[string]interface{}{
		"developer_details": recovery.DeveloperDetails,
		"retry_possible":    recovery.RetryPossible,
		"suggested_actions": recovery.SuggestedActions,
	}

	return info
}

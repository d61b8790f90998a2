// Package modeerrors defines the typed error taxonomy the orchestrator
// and its components return instead of raising exceptions (SPEC_FULL.md
// §2, spec.md §7). Every failure path produces one of these plus at
// least one receipt.
package modeerrors

import "fmt"

// Code is one of the abstract error kinds from spec.md §7.
type Code string

const (
	CodeIntentUnclear        Code = "INTENT_UNCLEAR"
	CodeParseError           Code = "PARSE_ERROR"
	CodePlanError            Code = "PLAN_ERROR"
	CodeBackendUnavailable   Code = "BACKEND_UNAVAILABLE"
	CodeExecutionError       Code = "EXECUTION_ERROR"
	CodeVerificationFailed   Code = "VERIFICATION_FAILED"
	CodeIncompleteButSafe    Code = "INCOMPLETE_BUT_SAFE"
	CodeLowConfidence        Code = "LOW_CONFIDENCE"
	CodeWorldImpactBlocked   Code = "WORLD_IMPACT_BLOCKED"
	CodeTimeout              Code = "TIMEOUT"
	CodeTokenBudgetExceeded  Code = "TOKEN_BUDGET_EXCEEDED"
	CodeHighRiskDomainReject Code = "HIGH_RISK_DOMAIN_REJECTED"
	CodePolicyDenied         Code = "POLICY_DENIED"
)

// OrganismAction is the self-healing-relevant reaction a ModeError
// suggests the orchestrator take.
type OrganismAction string

const (
	ActionWarn     OrganismAction = "warn"
	ActionBlock    OrganismAction = "block"
	ActionEscalate OrganismAction = "escalate"
	ActionContinue OrganismAction = "continue"
)

// ModeError is the typed, structured error every failure path returns.
type ModeError struct {
	Code            Code
	Stage           string
	Message         string
	Recoverable     bool
	Details         map[string]string
	SuggestedAction string
	OrganismAction  OrganismAction
	cause           error
}

func (e *ModeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Code, e.Stage, e.Message, e.cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Code, e.Stage, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *ModeError) Unwrap() error { return e.cause }

// New builds a ModeError with a default organism action and
// recoverability per the propagation policy in spec.md §7.
func New(code Code, stage, message string, cause error) *ModeError {
	recoverable, action := policyFor(code)
	return &ModeError{
		Code:           code,
		Stage:          stage,
		Message:        message,
		Recoverable:    recoverable,
		OrganismAction: action,
		cause:          cause,
	}
}

// WithDetails attaches structured context and returns the receiver for
// chaining.
func (e *ModeError) WithDetails(details map[string]string) *ModeError {
	e.Details = details
	return e
}

// WithSuggestedAction attaches a human-facing suggestion.
func (e *ModeError) WithSuggestedAction(suggestion string) *ModeError {
	e.SuggestedAction = suggestion
	return e
}

// policyFor returns the default recoverability and organism action for
// a code, per spec.md §7's propagation policy table.
func policyFor(code Code) (bool, OrganismAction) {
	switch code {
	case CodeParseError, CodeIntentUnclear, CodePlanError:
		return false, ActionWarn
	case CodeBackendUnavailable:
		return false, ActionWarn
	case CodeExecutionError, CodeVerificationFailed, CodeLowConfidence:
		return true, ActionWarn
	case CodeWorldImpactBlocked:
		return false, ActionBlock
	case CodeTimeout, CodeTokenBudgetExceeded:
		return false, ActionWarn
	case CodeHighRiskDomainReject, CodePolicyDenied:
		return false, ActionBlock
	case CodeIncompleteButSafe:
		return true, ActionContinue
	default:
		return false, ActionWarn
	}
}

// Retriable reports whether this error's code is retriable within
// max_iterations per spec.md §7.
func (e *ModeError) Retriable() bool {
	switch e.Code {
	case CodeExecutionError, CodeVerificationFailed, CodeLowConfidence:
		return true
	default:
		return false
	}
}

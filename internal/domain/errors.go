package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrContextOverflow  = fmt.Errorf("context window exceeded")

	// Conversation errors. These are surfaced to callers and never retried
	// automatically, except ErrPersistenceConflict which callers may retry.
	ErrInvalidRoster       = fmt.Errorf("invalid roster")
	ErrSessionNotFound     = fmt.Errorf("session not found")
	ErrSessionBusy         = fmt.Errorf("session is being driven by another orchestration")
	ErrSessionTerminal     = fmt.Errorf("session is in a terminal state")
	ErrPersistenceConflict = fmt.Errorf("persistence conflict")
	ErrAgentInvocation     = fmt.Errorf("agent invocation failed")

	// Knowledge / embedding errors.
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrKnowledgeStore  = fmt.Errorf("knowledge store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.Resume")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "conversation", "store"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrContextOverflow) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPersistenceConflict)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeInvalidRoster       ErrorCode = "INVALID_ROSTER"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionBusy         ErrorCode = "SESSION_BUSY"
	CodeSessionTerminal     ErrorCode = "SESSION_TERMINAL"
	CodePersistenceConflict ErrorCode = "PERSISTENCE_CONFLICT"
	CodeAgentInvocation     ErrorCode = "AGENT_INVOCATION"
	CodeEmbeddingFailed     ErrorCode = "EMBEDDING_FAILED"
	CodeKnowledgeStore      ErrorCode = "KNOWLEDGE_STORE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeAgentTimeout       ErrorCode = "AGENT_TIMEOUT"
	CodeActionNotFound     ErrorCode = "SCHEDULER_ACTION_NOT_FOUND"
	CodeConversationInput  ErrorCode = "CONVERSATION_INVALID_INPUT"
	CodeStoreTimeout       ErrorCode = "STORE_TIMEOUT"
	CodeEmbeddingTimeout   ErrorCode = "EMBEDDING_TIMEOUT"
	CodeEmbeddingDimension ErrorCode = "EMBEDDING_DIMENSION"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrProviderNotFound:    CodeProviderNotFound,
	ErrConfigLoad:          CodeConfigLoad,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrContextOverflow:     CodeContextOverflow,
	ErrInvalidRoster:       CodeInvalidRoster,
	ErrSessionNotFound:     CodeSessionNotFound,
	ErrSessionBusy:         CodeSessionBusy,
	ErrSessionTerminal:     CodeSessionTerminal,
	ErrPersistenceConflict: CodePersistenceConflict,
	ErrAgentInvocation:     CodeAgentInvocation,
	ErrEmbeddingFailed:     CodeEmbeddingFailed,
	ErrKnowledgeStore:      CodeKnowledgeStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":     CodeAgentNotFound,
		"scheduler": CodeActionNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrTimeout: {
		"agent":     CodeAgentTimeout,
		"store":     CodeStoreTimeout,
		"embedding": CodeEmbeddingTimeout,
	},
	ErrInvalidInput: {
		"conversation": CodeConversationInput,
		"embedding":    CodeEmbeddingDimension,
	},
	ErrProviderError: {
		"embedding": CodeEmbeddingFailed,
		"agent":     CodeAgentInvocation,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so a wrapped category sentinel does not shadow them.
	for _, sentinel := range specificSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for _, sentinel := range categorySentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

var specificSentinels = []error{
	ErrProviderNotFound, ErrConfigLoad, ErrRateLimit, ErrAuthInvalid, ErrContextOverflow,
	ErrInvalidRoster, ErrSessionNotFound, ErrSessionBusy, ErrSessionTerminal,
	ErrPersistenceConflict, ErrAgentInvocation, ErrEmbeddingFailed, ErrKnowledgeStore,
}

var categorySentinels = []error{
	ErrNotFound, ErrDuplicate, ErrTimeout,
	ErrDisabled, ErrInvalidInput, ErrProviderError,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

package domain

import (
	"errors"
	"fmt"
)

// Capability sentinels. Registry and capability code wraps these with
// NewDomainError or fmt.Errorf("%w") so callers can match with errors.Is.
var (
	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrInvalidParameters = fmt.Errorf("invalid parameters")
	ErrExecutionFailed   = fmt.Errorf("execution failed")
	ErrPluginNotFound    = fmt.Errorf("plugin not found")
	ErrPluginDisabled    = fmt.Errorf("plugin disabled")
	ErrInitFailed        = fmt.Errorf("plugin initialization failed")
	ErrConfigError       = fmt.Errorf("configuration error")
	ErrIO                = fmt.Errorf("io error")
	ErrJSON              = fmt.Errorf("json error")

	ErrDuplicate          = fmt.Errorf("duplicate")
	ErrDependency         = fmt.Errorf("dependency not satisfied")
	ErrInvalidManifest    = fmt.Errorf("invalid manifest")
	ErrPermissionDenied   = fmt.Errorf("permission denied")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside allowed paths")
)

// Chat sentinels.
var (
	ErrProviderError         = fmt.Errorf("provider error")
	ErrUnknownProvider       = fmt.Errorf("unknown provider")
	ErrPluginError           = fmt.Errorf("plugin error")
	ErrMemory                = fmt.Errorf("memory error")
	ErrMaxIterationsExceeded = fmt.Errorf("max tool iterations exceeded")
)

// Infrastructure sentinels.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrSSRFBlocked = fmt.Errorf("request blocked: private or reserved address")
	ErrAuditWrite  = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "filesystem", "api")
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

// NewSubSystemError creates a DomainError tagged with the capability that raised it.
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

// ErrorCode is a machine-parseable error category, surfaced on the HTTP API.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	CodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	CodePluginNotFound     ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginDisabled     ErrorCode = "PLUGIN_DISABLED"
	CodeInitFailed         ErrorCode = "INIT_FAILED"
	CodeConfigError        ErrorCode = "CONFIG_ERROR"
	CodeIO                 ErrorCode = "IO_ERROR"
	CodeJSON               ErrorCode = "JSON_ERROR"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeDependency         ErrorCode = "DEPENDENCY"
	CodeInvalidManifest    ErrorCode = "INVALID_MANIFEST"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_ALLOWED"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeUnknownProvider    ErrorCode = "UNKNOWN_PROVIDER"
	CodePluginError        ErrorCode = "PLUGIN_ERROR"
	CodeMemory             ErrorCode = "MEMORY_ERROR"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeSSRFBlocked        ErrorCode = "SSRF_BLOCKED"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeRouteNotFound      ErrorCode = "NOT_FOUND"
	CodeMethodNotAllowed   ErrorCode = "METHOD_NOT_ALLOWED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrToolNotFound:          CodeToolNotFound,
	ErrInvalidParameters:     CodeInvalidParameters,
	ErrExecutionFailed:       CodeExecutionFailed,
	ErrPluginNotFound:        CodePluginNotFound,
	ErrPluginDisabled:        CodePluginDisabled,
	ErrInitFailed:            CodeInitFailed,
	ErrConfigError:           CodeConfigError,
	ErrIO:                    CodeIO,
	ErrJSON:                  CodeJSON,
	ErrDuplicate:             CodeDuplicate,
	ErrDependency:            CodeDependency,
	ErrInvalidManifest:       CodeInvalidManifest,
	ErrPermissionDenied:      CodePermissionDenied,
	ErrPathOutsideSandbox:    CodePathOutsideSandbox,
	ErrProviderError:         CodeProviderError,
	ErrUnknownProvider:       CodeUnknownProvider,
	ErrPluginError:           CodePluginError,
	ErrMemory:                CodeMemory,
	ErrMaxIterationsExceeded: CodeMaxIterations,
	ErrConfigLoad:            CodeConfigLoad,
	ErrDecryption:            CodeDecryption,
	ErrRateLimit:             CodeRateLimit,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrSSRFBlocked:           CodeSSRFBlocked,
	ErrAuditWrite:            CodeAuditWrite,
}

// chatPriority lists the chat-level sentinels in the order ErrorCodeOf checks
// them. A chat error usually wraps a capability error, and the outer category
// is the one callers act on.
var chatPriority = []error{
	ErrMaxIterationsExceeded,
	ErrMemory,
	ErrPluginError,
	ErrUnknownProvider,
	ErrProviderError,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range chatPriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

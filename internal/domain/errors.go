package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the broker domain.
var (
	// ErrRecipientUnresolved is returned when the Recipient Resolver cannot map
	// a service type or component id to a URL via discovery, env, or the local
	// registry.
	ErrRecipientUnresolved = fmt.Errorf("recipient could not be resolved")
	// ErrComponentNotFound is returned by the Service Registry for an unknown id/type.
	ErrComponentNotFound = fmt.Errorf("component not found")
	// ErrBrokerUnavailable is returned when the broker transport is not connected.
	ErrBrokerUnavailable = fmt.Errorf("broker transport unavailable")
	// ErrRPCTimeout is returned when a synchronous broker RPC exceeds its deadline.
	ErrRPCTimeout = fmt.Errorf("broker rpc timed out")
	// ErrSocketSendFailed is returned when a write to a client's socket fails.
	ErrSocketSendFailed = fmt.Errorf("client socket send failed")
	// ErrFrameParseFailed is returned when an inbound socket frame is not valid JSON.
	ErrFrameParseFailed = fmt.Errorf("frame parse failed")
	// ErrHandshakeMissingClientID is returned when a socket upgrade omits clientId.
	ErrHandshakeMissingClientID = fmt.Errorf("client id missing")
	// ErrDownstreamStatus wraps a non-2xx response from a forwarded service call.
	ErrDownstreamStatus = fmt.Errorf("downstream returned non-2xx status")
	// ErrUserInputRequestNotFound is returned when submitUserInput references an
	// unknown or already-completed request id.
	ErrUserInputRequestNotFound = fmt.Errorf("user input request not found")
)

// SubSystem identifies which broker component raised a DomainError, used by
// ErrorCodeOf to select a specific ErrorCode for the same underlying sentinel.
type SubSystem string

const (
	SubsystemRouter         SubSystem = "router"
	SubsystemRegistry       SubSystem = "registry"
	SubsystemGateway        SubSystem = "gateway"
	SubsystemBrokerTransport SubSystem = "broker_transport"
	SubsystemFallback       SubSystem = "fallback"
	SubsystemDiscovery      SubSystem = "discovery"
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.Dispatch")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem SubSystem
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
func NewSubSystemError(subsystem SubSystem, op string, err error, detail string) *DomainError {
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

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeLimitReached        ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeRecipientUnresolved ErrorCode = "RECIPIENT_UNRESOLVED"
	CodeComponentNotFound   ErrorCode = "COMPONENT_NOT_FOUND"
	CodeBrokerUnavailable   ErrorCode = "BROKER_UNAVAILABLE"
	CodeRPCTimeout          ErrorCode = "RPC_TIMEOUT"
	CodeSocketSendFailed    ErrorCode = "SOCKET_SEND_FAILED"
	CodeFrameParseFailed    ErrorCode = "FRAME_PARSE_FAILED"
	CodeHandshakeMissing    ErrorCode = "HANDSHAKE_MISSING_CLIENT_ID"
	CodeDownstreamStatus    ErrorCode = "DOWNSTREAM_STATUS"
	CodeUserInputNotFound   ErrorCode = "USER_INPUT_REQUEST_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their default machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:                 CodeNotFound,
	ErrDuplicate:                CodeDuplicate,
	ErrTimeout:                  CodeTimeout,
	ErrLimitReached:             CodeLimitReached,
	ErrPermissionDenied:         CodePermissionDenied,
	ErrInvalidInput:             CodeInvalidInput,
	ErrRecipientUnresolved:      CodeRecipientUnresolved,
	ErrComponentNotFound:        CodeComponentNotFound,
	ErrBrokerUnavailable:        CodeBrokerUnavailable,
	ErrRPCTimeout:               CodeRPCTimeout,
	ErrSocketSendFailed:         CodeSocketSendFailed,
	ErrFrameParseFailed:         CodeFrameParseFailed,
	ErrHandshakeMissingClientID: CodeHandshakeMissing,
	ErrDownstreamStatus:         CodeDownstreamStatus,
	ErrUserInputRequestNotFound: CodeUserInputNotFound,
}

// subSystemCodeMap overrides the default code for a (subsystem, sentinel) pair
// where the same sentinel means something more specific in a given subsystem.
var subSystemCodeMap = map[SubSystem]map[error]ErrorCode{
	SubsystemRegistry: {
		ErrNotFound: CodeComponentNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable code for err, consulting the
// subsystem-specific table first (if err is a *DomainError) and falling back
// to the category table, then CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) && de.SubSystem != "" {
		if m, ok := subSystemCodeMap[de.SubSystem]; ok {
			for sentinel, code := range m {
				if errors.Is(err, sentinel) {
					return code
				}
			}
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

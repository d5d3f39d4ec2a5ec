package types

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidAmount               ErrorCode = "InvalidAmount"
	CodeInvalidRequest              ErrorCode = "InvalidRequest"
	CodeRouteNotSupported           ErrorCode = "RouteNotSupported"
	CodeApprovalFailed              ErrorCode = "ApprovalFailed"
	CodeSourceSubmissionFailed      ErrorCode = "SourceSubmissionFailed"
	CodeAttestationTimeout          ErrorCode = "AttestationTimeout"
	CodeDestinationSubmissionFailed ErrorCode = "DestinationSubmissionFailed"
	CodeConnectorUnavailable        ErrorCode = "ConnectorUnavailable"
	CodeUserCancelled               ErrorCode = "UserCancelled"
)

var (
	ErrInvalidAmount               = errors.New("invalid amount")
	ErrInvalidRequest              = errors.New("invalid request")
	ErrRouteNotSupported           = errors.New("route not supported")
	ErrApprovalFailed              = errors.New("approval failed")
	ErrSourceSubmissionFailed      = errors.New("source submission failed")
	ErrAttestationTimeout          = errors.New("attestation timeout")
	ErrDestinationSubmissionFailed = errors.New("destination submission failed")
	ErrConnectorUnavailable        = errors.New("connector unavailable")
	ErrUserCancelled               = errors.New("user cancelled")

	ErrTransferNotFound = errors.New("transfer not found")
	ErrNotCancellable   = errors.New("transfer cannot be cancelled after source submission")
	ErrTerminal         = errors.New("transfer is in a terminal state")
)

var codeErrors = map[ErrorCode]error{
	CodeInvalidAmount:               ErrInvalidAmount,
	CodeInvalidRequest:              ErrInvalidRequest,
	CodeRouteNotSupported:           ErrRouteNotSupported,
	CodeApprovalFailed:              ErrApprovalFailed,
	CodeSourceSubmissionFailed:      ErrSourceSubmissionFailed,
	CodeAttestationTimeout:          ErrAttestationTimeout,
	CodeDestinationSubmissionFailed: ErrDestinationSubmissionFailed,
	CodeConnectorUnavailable:        ErrConnectorUnavailable,
	CodeUserCancelled:               ErrUserCancelled,
}

// TransferError carries a reason code and the underlying chain-level error.
type TransferError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func NewError(code ErrorCode, format string, args ...interface{}) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, err error, format string, args ...interface{}) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransferError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := codeErrors[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf extracts the reason code, falling back to the given default.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return fallback
}

// Package errors provides unified error handling with pipeline error codes.
// Codes follow the failure taxonomy of the capture pipeline and map onto gRPC and HTTP statuses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Code classifies an AppError.
type Code int32

const (
	Unspecified Code = iota
	Unknown
	Internal
	InvalidArgument
	NotFound
	Unavailable
	Timeout
	Cancelled
	ConfigInvalid

	// Pipeline taxonomy
	SensorUnavailable
	TransientRead
	DetectorFailed
	ResourceWrite
	DeliveryFailed
)

var codeNames = map[Code]string{
	Unspecified:       "UNSPECIFIED",
	Unknown:           "UNKNOWN",
	Internal:          "INTERNAL",
	InvalidArgument:   "INVALID_ARGUMENT",
	NotFound:          "NOT_FOUND",
	Unavailable:       "UNAVAILABLE",
	Timeout:           "TIMEOUT",
	Cancelled:         "CANCELLED",
	ConfigInvalid:     "CONFIG_INVALID",
	SensorUnavailable: "SENSOR_UNAVAILABLE",
	TransientRead:     "TRANSIENT_READ",
	DetectorFailed:    "DETECTOR_FAILED",
	ResourceWrite:     "RESOURCE_WRITE",
	DeliveryFailed:    "DELIVERY_FAILED",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int32(c))
}

// ParseCode is the inverse of Code.String.
func ParseCode(s string) Code {
	for c, n := range codeNames {
		if n == s {
			return c
		}
	}
	return Unknown
}

var grpcCodeMap = map[Code]codes.Code{
	Unspecified:       codes.Unknown,
	Unknown:           codes.Unknown,
	Internal:          codes.Internal,
	InvalidArgument:   codes.InvalidArgument,
	NotFound:          codes.NotFound,
	Unavailable:       codes.Unavailable,
	Timeout:           codes.DeadlineExceeded,
	Cancelled:         codes.Canceled,
	ConfigInvalid:     codes.InvalidArgument,
	SensorUnavailable: codes.Unavailable,
	TransientRead:     codes.Unavailable,
	DetectorFailed:    codes.Internal,
	ResourceWrite:     codes.Internal,
	DeliveryFailed:    codes.Unavailable,
}

var httpStatusMap = map[Code]int{
	InvalidArgument:   http.StatusBadRequest,
	ConfigInvalid:     http.StatusBadRequest,
	NotFound:          http.StatusNotFound,
	Unavailable:       http.StatusServiceUnavailable,
	SensorUnavailable: http.StatusServiceUnavailable,
	Timeout:           http.StatusGatewayTimeout,
	Cancelled:         499,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// HTTPStatus returns the status used by the REST surface.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Detail encodes code and metadata as a protobuf Struct.
func (e *AppError) Detail() *structpb.Struct {
	fields := map[string]any{"code": e.Code.String(), "message": e.Message}
	if len(e.Metadata) > 0 {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		fields["metadata"] = md
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return &structpb.Struct{}
	}
	return s
}

// GRPCStatus returns a gRPC status with the error detail attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	if withDetail, err := st.WithDetails(e.Detail()); err == nil {
		return withDetail
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		s, ok := detail.(*structpb.Struct)
		if !ok {
			continue
		}
		m := s.AsMap()
		appErr := &AppError{Code: Unknown}
		if c, ok := m["code"].(string); ok {
			appErr.Code = ParseCode(c)
		}
		if msg, ok := m["message"].(string); ok {
			appErr.Message = msg
		}
		if md, ok := m["metadata"].(map[string]any); ok {
			for k, v := range md {
				appErr.WithMetadata(k, fmt.Sprint(v))
			}
		}
		return appErr
	}

	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message()}
}

// grpcToCode maps gRPC codes back to our codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	default:
		return Unknown
	}
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case Unavailable, Timeout, TransientRead, SensorUnavailable:
		return true
	default:
		return false
	}
}

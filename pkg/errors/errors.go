package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an OpenAI-shaped API error code.
type Code string

const (
	CodeMissingAuthorization      Code = "missing_authorization"
	CodeInvalidJSON               Code = "invalid_json"
	CodeInvalidRequest            Code = "invalid_request"
	CodeInvalidTransport          Code = "invalid_transport"
	CodeInvalidPreviousResponseID Code = "invalid_previous_response_id"
	CodeInvalidToolOutput         Code = "invalid_tool_output"
	CodeConversationIDMissing     Code = "conversation_id_missing"
	CodeGraphError                Code = "graph_error"
	CodeSubstrateError            Code = "substrate_error"
	CodeResponseNotFound          Code = "response_not_found"
	CodeMissingResponseID         Code = "missing_response_id"
	CodeResponseStreamError       Code = "response_stream_error"
)

// APIError is an error that maps directly onto the OpenAI error body
// {"error":{"message","type","param":null,"code"}} plus an HTTP status.
type APIError struct {
	Status  int
	Code    Code
	Type    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Body returns the wire representation of the error.
func (e *APIError) Body() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
			"param":   nil,
			"code":    string(e.Code),
		},
	}
}

func New(status int, code Code, message string) *APIError {
	return &APIError{Status: status, Code: code, Type: typeForStatus(status), Message: message}
}

func Newf(status int, code Code, format string, args ...any) *APIError {
	return New(status, code, fmt.Sprintf(format, args...))
}

func Wrap(status int, code Code, message string, err error) *APIError {
	e := New(status, code, message)
	e.Err = err
	return e
}

func InvalidRequest(message string) *APIError {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

func InvalidJSON(err error) *APIError {
	return Wrap(http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON", err)
}

func MissingAuthorization() *APIError {
	return New(http.StatusUnauthorized, CodeMissingAuthorization, "no authorization available for upstream call")
}

// Upstream builds a transport error, clamping the upstream status into the
// 4xx-5xx range (anything else becomes a 502).
func Upstream(code Code, status int, message string) *APIError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return New(status, code, message)
}

// AsAPIError extracts an *APIError from an error chain. Non-API errors are
// folded into a 502 with the given fallback code.
func AsAPIError(err error, fallback Code) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(http.StatusBadGateway, fallback, err.Error(), err)
}

func typeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

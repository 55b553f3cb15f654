package api

import (
	"errors"
	"fmt"
	"net/http"

	"clipline/internal/services"
)

// Codes returned in ErrorBody.Code.
const (
	CodeVideoNotFound         = "VIDEO_NOT_FOUND"
	CodeVideoNotReady         = "VIDEO_NOT_READY"
	CodeTranscriptNotReady    = "TRANSCRIPT_NOT_READY"
	CodeTitleGenerationFailed = "TITLE_GENERATION_FAILED"
	CodeMissingFile           = "MISSING_FILE"
	CodeInvalidUpload         = "INVALID_UPLOAD"
	CodeUploadFailed          = "UPLOAD_FAILED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeAlreadyCompleted      = "VIDEO_ALREADY_COMPLETED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is a failure with a transport status and a stable code.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Body returns the response payload for e.
func (e *Error) Body() ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: e.Code, Message: e.Message}}
}

func newError(status int, code, message string, err error) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

// AsError converts any error into an *Error. Unclassified errors become 500
// INTERNAL_ERROR; a missing video becomes 404 VIDEO_NOT_FOUND.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, services.ErrNotFound) {
		return newError(http.StatusNotFound, CodeVideoNotFound, "Video not found", err)
	}
	return newError(http.StatusInternalServerError, CodeInternal, err.Error(), err)
}

// Package errs maps engine failures onto API error responses.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// ErrCode classifies an API error.
type ErrCode int

const (
	Internal ErrCode = iota
	InvalidArgument
	NotFound
	PermissionDenied
	Unavailable
	TooLarge
)

// HTTPStatus returns the response status of the code.
func (c ErrCode) HTTPStatus() int {
	switch c {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case Unavailable:
		return http.StatusServiceUnavailable
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is the body of every failed request.
type Error struct {
	Code    ErrCode           `json:"-"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
	err     error
}

// New wraps err with code.
func New(code ErrCode, err error) *Error {
	e := &Error{Code: code, Message: err.Error(), err: err}
	var fe FieldErrors
	if errors.As(err, &fe) {
		e.Fields = fe
	}
	return e
}

// Newf builds an error from a format string.
func Newf(code ErrCode, format string, args ...any) *Error {
	return New(code, fmt.Errorf(format, args...))
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.err }

// HTTPStatus implements web.StatusCoder.
func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// FromDomain classifies an engine error. Internal errors get a generic
// message so storage details never leak to callers.
func FromDomain(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrScannerNotFound):
		return New(NotFound, err)
	case errors.Is(err, domain.ErrInvalidParameter):
		return New(InvalidArgument, err)
	case errors.Is(err, domain.ErrPermissionDenied):
		return New(PermissionDenied, err)
	default:
		return &Error{Code: Internal, Message: http.StatusText(http.StatusInternalServerError), err: err}
	}
}

// FromDecode classifies a request body decoding failure.
func FromDecode(err error) *Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return Newf(TooLarge, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return New(InvalidArgument, err)
}

// FieldErrors reports the struct fields that failed validation.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for f, msg := range fe {
		parts = append(parts, f+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check validates the struct tags of v.
func Check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := make(FieldErrors, len(verrs))
	for _, ve := range verrs {
		fe[ve.Field()] = fmt.Sprintf("failed on %q", ve.Tag())
	}
	return fe
}

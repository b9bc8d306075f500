package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("task x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrScannerNotFound, http.StatusNotFound},
		{domain.ErrInvalidParameter, http.StatusBadRequest},
		{domain.ErrPermissionDenied, http.StatusForbidden},
		{New(Unavailable, errors.New("busy")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, FromDomain(tt.err).HTTPStatus())
		})
	}
}

func TestFromDecode(t *testing.T) {
	tooLarge := fmt.Errorf("read request body: %w", &http.MaxBytesError{Limit: 10})
	e := FromDecode(tooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, e.HTTPStatus())
	assert.Equal(t, "request body exceeds 10 bytes", e.Message)

	assert.Equal(t, http.StatusBadRequest, FromDecode(errors.New("unexpected EOF")).HTTPStatus())
}

func TestFromDomain_InternalHidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	e := FromDomain(cause)
	assert.Equal(t, "Internal Server Error", e.Message)
	assert.ErrorIs(t, e, cause)
}

func TestCheck(t *testing.T) {
	type req struct {
		Name string `validate:"required"`
		Age  int    `validate:"gte=0"`
	}
	require.NoError(t, Check(req{Name: "a"}))

	err := Check(req{Age: -1})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "Name")
	assert.Contains(t, fe, "Age")

	apiErr := New(InvalidArgument, err)
	assert.Len(t, apiErr.Fields, 2)
	data, _, encErr := apiErr.Encode()
	require.NoError(t, encErr)
	assert.Contains(t, string(data), `"fields"`)
}

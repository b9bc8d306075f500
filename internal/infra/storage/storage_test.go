package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

func TestExecuteAndTrace(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvent  string
	}{
		{name: "success", wantStatus: codes.Unset},
		{name: "not found", err: fmt.Errorf("task 1: %w", scanning.ErrNotFound), wantStatus: codes.Unset, wantEvent: "not_found"},
		{name: "failure", err: errors.New("connection reset"), wantStatus: codes.Error, wantEvent: "exception"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

			err := ExecuteAndTrace(context.Background(), tp.Tracer("test"), "postgres.op", nil,
				func(context.Context) error { return tt.err })
			assert.ErrorIs(t, err, tt.err)

			spans := rec.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "postgres.op", spans[0].Name())
			assert.Equal(t, tt.wantStatus, spans[0].Status().Code)
			if tt.wantEvent == "" {
				assert.Empty(t, spans[0].Events())
				return
			}
			require.NotEmpty(t, spans[0].Events())
			assert.Equal(t, tt.wantEvent, spans[0].Events()[0].Name)
		})
	}
}

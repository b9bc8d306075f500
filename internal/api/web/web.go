// Package web adapts value-returning handlers to net/http.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// maxBodyBytes caps request bodies; scanner output is the largest payload.
const maxBodyBytes = 32 << 20

// Encoder defines behavior that can encode a data model and provide
// the content type for that encoding.
type Encoder interface {
	Encode() (data []byte, contentType string, err error)
}

// StatusCoder is implemented by encoders that choose their own status.
type StatusCoder interface {
	HTTPStatus() int
}

// HandlerFunc handles a request and returns the response to encode. A nil
// Encoder writes 204 No Content.
type HandlerFunc func(ctx context.Context, r *http.Request) Encoder

// Handle adapts fn to http.HandlerFunc.
func Handle(log *logger.Logger, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		if err := Respond(ctx, w, fn(ctx, r)); err != nil {
			log.Error(ctx, "failed to write response", "path", r.URL.Path, "error", err)
		}
	}
}

// Respond writes enc to w.
func Respond(ctx context.Context, w http.ResponseWriter, enc Encoder) error {
	if err := ctx.Err(); err == context.Canceled {
		return nil
	}
	if enc == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	status := http.StatusOK
	if sc, ok := enc.(StatusCoder); ok {
		status = sc.HTTPStatus()
	}

	data, contentType, err := enc.Encode()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("encode response: %w", err)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// JSON is an Encoder for an arbitrary value.
type JSON struct {
	Status int
	Value  any
}

// OK returns a 200 response for v.
func OK(v any) JSON { return JSON{Status: http.StatusOK, Value: v} }

// Created returns a 201 response for v.
func Created(v any) JSON { return JSON{Status: http.StatusCreated, Value: v} }

func (j JSON) Encode() ([]byte, string, error) {
	data, err := json.Marshal(j.Value)
	return data, "application/json", err
}

func (j JSON) HTTPStatus() int {
	if j.Status == 0 {
		return http.StatusOK
	}
	return j.Status
}

// Decode reads a JSON request body into v. A body over the limit set by
// Handle fails with an error wrapping *http.MaxBytesError.
func Decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

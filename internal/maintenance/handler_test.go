package maintenance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubSweep struct {
	deleted int64
	err     error
}

func (s *stubSweep) Sweep(ctx context.Context) (int64, error) {
	return s.deleted, s.err
}

func doRequest(handler *SweepHandler, authHeader string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	handler.Handle(rec, req)
	return rec
}

func TestHandlePlaysDeadWithoutSecret(t *testing.T) {
	handler := NewSweepHandler(&stubSweep{}, zap.NewNop(), "")
	rec := doRequest(handler, "Bearer anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRejectsBadSecret(t *testing.T) {
	handler := NewSweepHandler(&stubSweep{}, zap.NewNop(), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, doRequest(handler, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(handler, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(handler, "Basic s3cret").Code)
}

func TestHandleRunsSweep(t *testing.T) {
	handler := NewSweepHandler(&stubSweep{deleted: 3}, zap.NewNop(), "s3cret")
	rec := doRequest(handler, "Bearer s3cret")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","deleted_sessions":3}`, rec.Body.String())
}

func TestHandleReportsSweepFailure(t *testing.T) {
	handler := NewSweepHandler(&stubSweep{err: errors.New("store down")}, zap.NewNop(), "s3cret")
	rec := doRequest(handler, "Bearer s3cret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

package httpHelpers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, "nope")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":403,"message":"nope"}`, rec.Body.String())
}

func TestWriteTimings(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTimings(rec, Timings{"spawn": 1500 * time.Millisecond, "auth": 2 * time.Millisecond})
	assert.Equal(t, "auth;dur=2.00,spawn;dur=1500.00", rec.Header().Get("Server-Timing"))
}

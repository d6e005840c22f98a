package system

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerth/folio/config"
)

func TestHealth(t *testing.T) {
	_, fake, h := newTestSystem(t)
	fake.verifyErr = errors.New("dial tcp: connection refused")
	_ = fake.Verify(context.Background())

	w := get(h, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var health Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "OK", health.Status)
	assert.Equal(t, msgHealthy, health.Message)
}

func TestReady(t *testing.T) {
	_, fake, h := newTestSystem(t)

	w := get(h, "/api/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not checked yet")

	fake.verifyErr = errors.New("535 bad credentials")
	_ = fake.Verify(context.Background())
	w = get(h, "/api/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "535 bad credentials")

	fake.verifyErr = nil
	require.NoError(t, fake.Verify(context.Background()))
	w = get(h, "/api/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	var report struct {
		Ready bool `json:"ready"`
		SMTP  struct {
			Checked bool `json:"checked"`
			OK      bool `json:"ok"`
		} `json:"smtp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Ready)
	assert.True(t, report.SMTP.Checked)
	assert.True(t, report.SMTP.OK)
}

func TestStatusCountsHits(t *testing.T) {
	_, _, h := newTestSystem(t)
	get(h, "/api/health")
	get(h, "/api/health")

	w := get(h, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var report StatsReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, uint64(3), report.Hits)
}

func TestUnknownAPIRoute(t *testing.T) {
	_, _, h := newTestSystem(t)
	w := get(h, "/api/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, envelope(t, w).Success)
}

func TestCORSPreflight(t *testing.T) {
	_, _, h := newTestSystem(t)
	r := httptest.NewRequest(http.MethodOptions, "/api/contact", nil)
	r.Header.Set("Origin", "https://ann.example.org")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Less(t, w.Code, 300)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSOnPost(t *testing.T) {
	_, _, h := newTestSystem(t)
	r := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
	r.Header.Set("Origin", "https://ann.example.org")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCSRFOptIn(t *testing.T) {
	_, fake, h := newTestSystem(t, func(c *config.Config) {
		c.Sec.CSRFKey = "0123456789abcdef0123456789abcdef"
	})

	w := get(h, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-CSRF-Token"))

	w = post(h, "/api/contact", validBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, envelope(t, w).Success)
	assert.Empty(t, fake.Sent())
}

func TestRecoverer(t *testing.T) {
	s, _, _ := newTestSystem(t)
	h := s.recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := get(h, "/api/contact")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env := envelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, msgInternal, env.Message)
}

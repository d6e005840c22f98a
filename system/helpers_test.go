package system

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerth/folio/config"
	"github.com/aerth/folio/i/mailer"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []mailer.Message
	sendErr   error
	verifyErr error
	verified  int
	ready     mailer.Readiness
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Verify(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified++
	f.ready = mailer.Readiness{Checked: true, OK: f.verifyErr == nil, CheckedAt: time.Now()}
	if f.verifyErr != nil {
		f.ready.Error = f.verifyErr.Error()
	}
	return f.verifyErr
}

func (f *fakeSender) Readiness() mailer.Readiness {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSender) Sent() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

func (f *fakeSender) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func testConfig(t *testing.T, mutate ...func(*config.Config)) *config.Config {
	t.Helper()
	for _, k := range []string{"PORT", "SITEURL", "EMAIL_USER", "EMAIL_PASS"} {
		t.Setenv(k, "")
	}
	cfg := config.Default()
	cfg.Mail.Username = "me@example.com"
	cfg.Mail.Password = "secret"
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, config.Check(cfg, nil))
	return cfg
}

func newTestSystem(t *testing.T, mutate ...func(*config.Config)) (*System, *fakeSender, http.Handler) {
	t.Helper()
	fake := &fakeSender{}
	s, err := New(testConfig(t, mutate...), fake, nil)
	require.NoError(t, err)
	return s, fake, s.Router()
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// postFrom posts body as if it came from the remote address, with extra
// header key/value pairs.
func postFrom(h http.Handler, remote, body string, header ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(body))
	r.RemoteAddr = remote
	r.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func get(h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func envelope(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

package system

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerth/folio/config"
)

const validBody = `{"name":"Ann","email":"ann@example.com","subject":"Hi","message":"Hello\nworld"}`

func TestContactMissingFields(t *testing.T) {
	_, fake, h := newTestSystem(t)
	bodies := []string{
		``,
		`{}`,
		`{"email":"ann@example.com","subject":"Hi","message":"m"}`,
		`{"name":"Ann","subject":"Hi","message":"m"}`,
		`{"name":"Ann","email":"ann@example.com","message":"m"}`,
		`{"name":"Ann","email":"ann@example.com","subject":"Hi"}`,
		`{"name":"","email":"ann@example.com","subject":"Hi","message":"m"}`,
		`{"name":null,"email":"ann@example.com","subject":"Hi","message":"m"}`,
	}
	for _, body := range bodies {
		w := post(h, "/api/contact", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		env := envelope(t, w)
		assert.False(t, env.Success, body)
		assert.Equal(t, msgMissing, env.Message, body)
	}
	assert.Empty(t, fake.Sent(), "nothing reaches the transport")
}

func TestContactInvalidEmail(t *testing.T) {
	_, fake, h := newTestSystem(t)
	for _, email := range []string{"annexample.com", "ann@example", "ann@exa mple.com", "a@@b.c"} {
		body := `{"name":"Ann","email":"` + email + `","subject":"Hi","message":"m"}`
		w := post(h, "/api/contact", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, email)
		env := envelope(t, w)
		assert.False(t, env.Success)
		assert.Equal(t, msgInvalidEmail, env.Message)
	}
	assert.Empty(t, fake.Sent())
}

func TestContactBadBody(t *testing.T) {
	_, fake, h := newTestSystem(t)
	bodies := []string{
		`{"name":`,
		`[]`,
		`{"name":5,"email":"a@b.c","subject":"s","message":"m"}`,
		validBody + `garbage`,
		validBody + `{}`,
		validBody + `}`,
	}
	for _, body := range bodies {
		w := post(h, "/api/contact", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		env := envelope(t, w)
		assert.False(t, env.Success)
		assert.Equal(t, msgBadBody, env.Message)
	}

	big := `{"name":"` + strings.Repeat("a", maxContactBody) + `","email":"a@b.c","subject":"s","message":"m"}`
	w := post(h, "/api/contact", big)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fake.Sent())
}

func TestContactSuccess(t *testing.T) {
	_, fake, h := newTestSystem(t)

	w := post(h, "/api/contact", validBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := envelope(t, w)
	assert.True(t, env.Success)
	assert.Equal(t, msgSent, env.Message)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Contains(t, msg.Subject, "Hi")
	assert.Equal(t, "Website contact form: Hi", msg.Subject)
	assert.Contains(t, msg.HTML, "Ann")
	assert.Contains(t, msg.HTML, "ann@example.com")
	assert.Contains(t, msg.HTML, "Hello<br>world")
	assert.Equal(t, "ann@example.com", msg.ReplyTo)
	assert.True(t, strings.HasSuffix(msg.ID, "@folio"), msg.ID)
}

func TestContactMessageIDUsesSiteHost(t *testing.T) {
	_, fake, h := newTestSystem(t, func(c *config.Config) { c.Meta.SiteURL = "https://ann.example.org/" })
	require.Equal(t, http.StatusOK, post(h, "/api/contact", validBody).Code)
	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasSuffix(sent[0].ID, "@ann.example.org"), sent[0].ID)
}

func TestContactEscapesMarkup(t *testing.T) {
	_, fake, h := newTestSystem(t)
	body := `{"name":"<img src=x onerror=alert(1)>","email":"ann@example.com","subject":"Hi","message":"<script>x</script>"}`
	require.Equal(t, http.StatusOK, post(h, "/api/contact", body).Code)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.NotContains(t, sent[0].HTML, "<img")
	assert.NotContains(t, sent[0].HTML, "<script>")
	assert.Contains(t, sent[0].HTML, "&lt;script&gt;x&lt;/script&gt;")
}

func TestContactTransportFailure(t *testing.T) {
	_, fake, h := newTestSystem(t)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, post(h, "/api/contact", validBody).Code)
	}

	fake.setSendErr(errors.New("535 authentication failed"))
	w := post(h, "/api/contact", validBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env := envelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, msgSendFailed, env.Message)
	assert.NotContains(t, w.Body.String(), "535", "transport detail stays in the log")

	fake.setSendErr(nil)
	assert.Equal(t, http.StatusOK, post(h, "/api/contact", validBody).Code, "a failure leaves no state behind")
}

func TestContactNoDeduplication(t *testing.T) {
	_, fake, h := newTestSystem(t)
	first := post(h, "/api/contact", validBody)
	second := post(h, "/api/contact", validBody)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)

	sent := fake.Sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].ID, sent[1].ID)
}

func TestContactWrongMethod(t *testing.T) {
	_, _, h := newTestSystem(t)
	w := get(h, "/api/contact")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.False(t, envelope(t, w).Success)
}

func TestContactBadAttemptsBan(t *testing.T) {
	_, fake, h := newTestSystem(t, func(c *config.Config) { c.Sec.MaxAttempts = 2 })

	assert.Equal(t, http.StatusBadRequest, post(h, "/api/contact", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/api/contact", `{}`).Code)
	w := post(h, "/api/contact", validBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	env := envelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, msgBlocked, env.Message)
	assert.Equal(t, "86400", w.Header().Get("Retry-After"))
	assert.Empty(t, fake.Sent())

	assert.Equal(t, http.StatusOK, get(h, "/api/health").Code, "GET is not greylisted by default")
}

func TestContactNoBanByDefault(t *testing.T) {
	_, _, h := newTestSystem(t)
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusBadRequest, post(h, "/api/contact", `{}`).Code)
	}
	assert.Equal(t, http.StatusOK, post(h, "/api/contact", validBody).Code)
}

func TestContactTrailingWhitespaceAccepted(t *testing.T) {
	_, fake, h := newTestSystem(t)
	w := post(h, "/api/contact", validBody+"\n\t ")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, fake.Sent(), 1)
}

func TestContactBanIgnoresForwardedHeaders(t *testing.T) {
	_, fake, h := newTestSystem(t, func(c *config.Config) { c.Sec.MaxAttempts = 2 })

	for i := 0; i < 2; i++ {
		w := postFrom(h, "10.0.0.9:4000", `{}`, "X-Forwarded-For", "203.0.113.7")
		require.Equal(t, http.StatusBadRequest, w.Code)
	}

	// the ban lands on the connecting address, not the claimed one
	assert.Equal(t, http.StatusOK, postFrom(h, "203.0.113.7:5000", validBody).Code)
	assert.Equal(t, http.StatusForbidden,
		postFrom(h, "10.0.0.9:4001", validBody, "X-Real-IP", "198.51.100.1").Code)
	assert.Equal(t, http.StatusForbidden,
		postFrom(h, "10.0.0.9:4002", validBody, "X-Forwarded-For", "198.51.100.2").Code)
	assert.Len(t, fake.Sent(), 1)
}

func TestContactBanBehindTrustedProxy(t *testing.T) {
	_, fake, h := newTestSystem(t, func(c *config.Config) {
		c.Sec.MaxAttempts = 2
		c.Sec.TrustProxy = true
	})

	for i := 0; i < 2; i++ {
		w := postFrom(h, "10.0.0.1:4000", `{}`, "X-Forwarded-For", "203.0.113.7")
		require.Equal(t, http.StatusBadRequest, w.Code)
	}

	assert.Equal(t, http.StatusForbidden,
		postFrom(h, "10.0.0.1:4001", validBody, "X-Forwarded-For", "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK,
		postFrom(h, "10.0.0.1:4002", validBody, "X-Forwarded-For", "203.0.113.8").Code)
	assert.Len(t, fake.Sent(), 1)
}

func TestContactBlacklistedEnvelope(t *testing.T) {
	black := filepath.Join(t.TempDir(), "blacklist")
	require.NoError(t, os.WriteFile(black, []byte("192.0.2.66\n"), 0600))
	_, fake, h := newTestSystem(t, func(c *config.Config) { c.Sec.Blacklist = black })

	w := postFrom(h, "192.0.2.66:1234", validBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Empty(t, w.Header().Get("Retry-After"))
	env := envelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, msgForbidden, env.Message)
	assert.Empty(t, fake.Sent())
}

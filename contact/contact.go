// Package contact holds the contact form submission: validation and the
// notification email it turns into.
package contact

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// SubjectPrefix labels every notification so it can be filtered in the inbox.
const SubjectPrefix = "Website contact form: "

var (
	ErrMissingFields = errors.New("all fields are required")
	ErrInvalidEmail  = errors.New("invalid email address")
)

var emailRegexp = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Submission is one contact form post. It lives for a single request.
type Submission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Validate reports ErrMissingFields if any field is empty, then
// ErrInvalidEmail if Email is not shaped like local@domain.tld.
// Values are not trimmed.
func (s Submission) Validate() error {
	if s.Name == "" || s.Email == "" || s.Subject == "" || s.Message == "" {
		return ErrMissingFields
	}
	if !emailRegexp.MatchString(s.Email) {
		return ErrInvalidEmail
	}
	return nil
}

// MailSubject is the subject line of the notification.
func (s Submission) MailSubject() string {
	return SubjectPrefix + s.Subject
}

// Fields for structured logging. The message body stays out of the logs.
func (s Submission) Fields() []zap.Field {
	return []zap.Field{
		zap.String("name", s.Name),
		zap.String("email", s.Email),
		zap.String("subject", s.Subject),
	}
}

var mailTemplate = template.Must(template.New("contact").Funcs(template.FuncMap{"lines": lines}).Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #333;">New contact form message</h2>
  <div style="background: #f5f5f5; padding: 20px; border-radius: 8px;">
    <p><strong>Name:</strong> {{ .Name }}</p>
    <p><strong>Email:</strong> {{ .Email }}</p>
    <p><strong>Subject:</strong> {{ .Subject }}</p>
    <p><strong>Message:</strong></p>
    <div style="background: white; padding: 15px; border-radius: 4px; margin-top: 10px;">
      {{ lines .Message }}
    </div>
  </div>
  <p style="color: #666; font-size: 12px; margin-top: 20px;">
    This email was sent from the contact form on your website.
  </p>
</div>
`))

// lines escapes each line of msg and joins them with <br>.
func lines(msg string) template.HTML {
	msg = strings.ReplaceAll(msg, "\r\n", "\n")
	parts := strings.Split(msg, "\n")
	for i := range parts {
		parts[i] = template.HTMLEscapeString(parts[i])
	}
	return template.HTML(strings.Join(parts, "<br>"))
}

// HTML renders the notification body. Every field is escaped.
func (s Submission) HTML() (string, error) {
	var buf bytes.Buffer
	if err := mailTemplate.Execute(&buf, s); err != nil {
		return "", err
	}
	return buf.String(), nil
}

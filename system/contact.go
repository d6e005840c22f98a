package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aerth/folio/contact"
	"github.com/aerth/folio/greylist"
	"github.com/aerth/folio/i/mailer"
)

const maxContactBody = 64 << 10

var ErrBadBody = errors.New("bad request body")

// ContactHandler relays one contact form submission to the site owner's
// mailbox. Nothing is stored and nothing is retried.
func (s *System) ContactHandler(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	sub, err := decodeSubmission(w, r)
	if err == nil {
		err = sub.Validate()
	}
	if err != nil {
		msg := msgBadBody
		switch {
		case errors.Is(err, contact.ErrMissingFields):
			msg = msgMissing
		case errors.Is(err, contact.ErrInvalidEmail):
			msg = msgInvalidEmail
		}
		s.log.Debug("rejected contact form", zap.String("request_id", reqID), zap.Error(err))
		s.addBadAttempt(r)
		serveJSON(w, http.StatusBadRequest, Envelope{Message: msg})
		return
	}

	body, err := sub.HTML()
	if err != nil {
		s.log.Error("error rendering contact email", zap.String("request_id", reqID), zap.Error(err))
		serveJSON(w, http.StatusInternalServerError, Envelope{Message: msgSendFailed})
		return
	}

	id := uuid.NewString()
	msg := mailer.Message{
		ID:      id + "@" + s.msgHost,
		Subject: sub.MailSubject(),
		HTML:    body,
		ReplyTo: sub.Email,
	}
	fields := append(sub.Fields(), zap.String("id", id), zap.String("request_id", reqID))

	// a visitor closing the tab should not abort a send halfway, the mailer
	// has its own timeout
	if err := s.mail.Send(context.WithoutCancel(r.Context()), msg); err != nil {
		s.log.Error("error sending contact email", append(fields, zap.Error(err))...)
		serveJSON(w, http.StatusInternalServerError, Envelope{Message: msgSendFailed})
		return
	}

	s.log.Info("contact form submitted", fields...)
	serveJSON(w, http.StatusOK, Envelope{Success: true, Message: msgSent})
}

// decodeSubmission reads the JSON body. An empty body is an empty
// submission, which fails validation like any other missing field.
func decodeSubmission(w http.ResponseWriter, r *http.Request) (contact.Submission, error) {
	var sub contact.Submission
	if r.Body == nil {
		return sub, nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContactBody))
	if err := dec.Decode(&sub); err != nil {
		if errors.Is(err, io.EOF) {
			return contact.Submission{}, nil
		}
		return contact.Submission{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	// one JSON object, then only whitespace
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return contact.Submission{}, fmt.Errorf("%w: trailing data after object", ErrBadBody)
	}
	return sub, nil
}

// addBadAttempt counts rejected submissions per address and hands repeat
// offenders to the greylist. Disabled unless Security.max-attempts is set.
func (s *System) addBadAttempt(r *http.Request) {
	limit := s.config.Sec.MaxAttempts
	if limit <= 0 {
		return
	}
	ip := greylist.ClientIP(r)

	s.badguylock.Lock()
	s.badguys[ip]++
	count := s.badguys[ip]
	if count >= limit {
		delete(s.badguys, ip)
	}
	s.badguylock.Unlock()

	if count >= limit {
		s.log.Info("too many bad contact attempts", zap.String("ip", ip), zap.Int("attempts", count))
		s.greylist.Blacklist(ip)
	}
}

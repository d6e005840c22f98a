package system

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewjam/csp"
	"go.uber.org/zap"

	"github.com/aerth/folio/theme"
)

type shellData struct {
	RootClass     string
	Animate       string
	PageTitle     string
	CopyrightName string
	Year          int
}

func (s *System) SetCSPHeader(w http.ResponseWriter) {
	sources := []string{"'self'"}
	if s.config.Meta.SiteURL != "" {
		u, err := url.Parse(s.config.Meta.SiteURL)
		if err != nil {
			s.log.Warn("cant set Content-Security-Policy", zap.Error(err))
			return
		}
		if u.Hostname() != "" {
			sources = append(sources, u.Hostname())
		}
	}
	val := csp.Header{
		DefaultSrc: sources,
	}.String()
	w.Header().Set("Content-Security-Policy", val)
}

// ShellHandler serves the page the frontend mounts into. The root element
// already carries the theme class for the color scheme the browser hinted at,
// the bootstrap script keeps it current from then on.
func (s *System) ShellHandler(w http.ResponseWriter, r *http.Request) {
	scheme := theme.FromHint(r.Header.Get(theme.HintHeader))

	h := w.Header()
	h.Set("Accept-CH", theme.HintHeader)
	h.Set("Critical-CH", theme.HintHeader)
	h.Add("Vary", theme.HintHeader)
	s.SetCSPHeader(w)

	title := s.config.Meta.SiteName
	if title != "" {
		title += " | "
	}
	title += "Home"

	var buf bytes.Buffer
	err := s.shell.Execute(&buf, shellData{
		RootClass:     strings.Join(theme.Apply(nil, scheme), " "),
		Animate:       s.animate,
		PageTitle:     title,
		CopyrightName: s.config.Meta.CopyrightName,
		Year:          time.Now().Year(),
	})
	if err != nil {
		s.log.Error("error executing shell template", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	w.Write(buf.Bytes())
}

func (s *System) StaticHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Expires", time.Now().Add(time.Hour*24).UTC().Truncate(time.Second).Format(http.TimeFormat))
	http.FileServer(http.FS(s.static)).ServeHTTP(w, r)
}

// layeredFS serves files from the operator's public dir and falls back to the
// embedded assets for anything it does not have.
type layeredFS []fs.FS

func (l layeredFS) Open(name string) (fs.File, error) {
	var err error
	for _, fsys := range l {
		var f fs.File
		f, err = fsys.Open(name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, err
}

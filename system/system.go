// Package system is the folio HTTP service: the contact form API, the site
// shell and its static assets.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/aerth/folio/config"
	"github.com/aerth/folio/greylist"
	"github.com/aerth/folio/i/mailer"
	"github.com/aerth/folio/www"
)

const shutdownTimeout = 10 * time.Second

type System struct {
	Stats    Stats
	config   config.Config
	log      *zap.Logger
	mail     mailer.Sender
	greylist *greylist.List

	shell   *template.Template
	animate string // json for the animation engine
	static  fs.FS
	msgHost string // right side of generated Message-IDs

	badguylock sync.Mutex
	badguys    map[string]int

	onListen func(name string, addr net.Addr) // test hook
}

// New builds a System from a checked config. mail is the only way out to
// the SMTP relay and must not be nil.
func New(cfg *config.Config, mail mailer.Sender, log *zap.Logger) (*System, error) {
	if cfg == nil {
		return nil, errors.New("system: nil config")
	}
	if mail == nil {
		return nil, errors.New("system: nil mail sender")
	}
	if log == nil {
		log = zap.NewNop()
	}

	shell, err := template.ParseFS(www.FS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("system: parse shell template: %w", err)
	}

	static, err := fs.Sub(www.FS, "public")
	if err != nil {
		return nil, err
	}
	if cfg.Meta.PathPublic != "" {
		static = layeredFS{os.DirFS(cfg.Meta.PathPublic), static}
	}

	animate, err := json.Marshal(cfg.Meta.Animate)
	if err != nil {
		return nil, err
	}

	msgHost := "folio"
	if u, err := url.Parse(cfg.Meta.SiteURL); err == nil && u.Hostname() != "" {
		msgHost = u.Hostname()
	}

	glist := greylist.New(cfg.Sec.Whitelist, cfg.Sec.Blacklist, log.Named("greylist"))
	glist.SetAllMethods(cfg.Sec.AllMethods)
	banTime := time.Duration(cfg.Sec.BanMinutes) * time.Minute
	if cfg.Meta.DevelopmentMode {
		banTime = time.Minute
	}
	glist.SetTemporaryBlacklistTime(banTime)

	s := &System{
		Stats:    Stats{t1: time.Now()},
		config:   *cfg,
		log:      log,
		mail:     mail,
		greylist: glist,
		shell:    shell,
		animate:  string(animate),
		static:   static,
		msgHost:  msgHost,
		badguys:  make(map[string]int),
	}
	glist.SetDenyHandler(s.denied)
	return s, nil
}

func (s *System) Config() config.Config {
	return s.config
}

func (s *System) Greylist() *greylist.List {
	return s.greylist
}

// Run serves h until ctx is done, then shuts down gracefully. Besides the
// listeners it runs the startup SMTP check, the greylist watcher and a
// SIGHUP handler that reloads the greylist.
func (s *System) Run(ctx context.Context, h http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	var servers []*http.Server

	meta := s.config.Meta
	httpHandler := h
	var tlsServer *http.Server
	switch {
	case len(s.config.Sec.AutocertHosts) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.config.Sec.AutocertHosts...),
			Cache:      autocert.DirCache(s.config.Sec.AutocertCache),
		}
		httpHandler = m.HTTPHandler(h)
		tlsServer = s.newServer(meta.ListenAddrTLS, h)
		tlsServer.TLSConfig = m.TLSConfig()
	case meta.SSLCert != "" && meta.SSLKey != "":
		tlsServer = s.newServer(meta.ListenAddrTLS, h)
	}

	type listener struct {
		name  string
		srv   *http.Server
		l     net.Listener
		serve func(net.Listener) error
	}
	var listeners []listener

	srv := s.newServer(meta.ListenAddr, httpHandler)
	listeners = append(listeners, listener{name: "http", srv: srv, serve: srv.Serve})
	if tlsServer != nil {
		listeners = append(listeners, listener{name: "https", srv: tlsServer, serve: func(l net.Listener) error {
			if tlsServer.TLSConfig != nil {
				return tlsServer.ServeTLS(l, "", "")
			}
			return tlsServer.ServeTLS(l, meta.SSLCert, meta.SSLKey)
		}})
	}

	// bind everything first so a busy port fails Run before anything serves
	for i := range listeners {
		l, err := net.Listen("tcp", listeners[i].srv.Addr)
		if err != nil {
			for _, bound := range listeners[:i] {
				bound.l.Close()
			}
			return fmt.Errorf("system: listen %s: %w", listeners[i].name, err)
		}
		listeners[i].l = l
	}

	for _, ln := range listeners {
		ln := ln
		servers = append(servers, ln.srv)
		s.log.Info("serving "+ln.name, zap.String("addr", ln.l.Addr().String()), zap.String("siteurl", meta.SiteURL))
		if s.onListen != nil {
			s.onListen(ln.name, ln.l.Addr())
		}
		g.Go(func() error {
			if err := ln.serve(ln.l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	if !s.config.Mail.SkipVerify {
		g.Go(func() error {
			// advisory only, see /api/ready
			_ = s.mail.Verify(ctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := s.greylist.Watch(ctx); err != nil {
			s.log.Warn("greylist files are not watched, use SIGHUP to reload", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sig:
				s.log.Info("got SIGHUP, reloading greylist")
				if err := s.greylist.RefreshLists(); err != nil {
					s.log.Warn("error reloading greylist", zap.Error(err))
				}
			}
		}
	})

	return g.Wait()
}

func (s *System) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}
}

// Copyright (c) 2020 aerth <aerth@riseup.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package greylist implements a basic whitelisting/blacklisting middleware.
//
// It reads 2 files (whitelist file, blacklist file), one address per line,
// and reloads them when they change on disk. It also provides Blacklist(ip)
// for temporary bans.
package greylist

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultTemporaryBlacklistTime = time.Hour

// DenyFunc answers a request from a blocked address. until is zero for
// addresses on the blacklist file.
type DenyFunc func(w http.ResponseWriter, r *http.Request, until time.Time)

// List is a greylist instance
type List struct {
	whitelistFilename, blacklistFilename string
	log                                  *zap.Logger
	now                                  func() time.Time

	mu                     sync.RWMutex
	whitelist, blacklist   map[string]struct{}
	temporaryBlacklist     map[string]time.Time
	allMethods             bool
	temporaryBlacklistTime time.Duration
	deny                   DenyFunc
}

// New accepts whitelist filename and blacklist filename. Either may be
// empty. Files that don't exist are treated as empty lists.
//
// After calling New(), a program can use l.Protect() to wrap a http.Handler.
//
// By default, only non-GET requests are protected.
// If your program demands, use l.SetAllMethods(true)
func New(whitelistFilename, blacklistFilename string, log *zap.Logger) *List {
	if log == nil {
		log = zap.NewNop()
	}
	l := &List{
		whitelistFilename:      whitelistFilename,
		blacklistFilename:      blacklistFilename,
		log:                    log,
		now:                    time.Now,
		whitelist:              make(map[string]struct{}),
		blacklist:              make(map[string]struct{}),
		temporaryBlacklist:     make(map[string]time.Time),
		temporaryBlacklistTime: DefaultTemporaryBlacklistTime,
	}
	if err := l.RefreshLists(); err != nil {
		log.Warn("greylist: initial load failed", zap.Error(err))
	}
	return l
}

// SetAllMethods blocks all requests from blacklisted IPs, not just the ones
// that change state.
func (l *List) SetAllMethods(b bool) {
	l.mu.Lock()
	l.allMethods = b
	l.mu.Unlock()
}

// SetDenyHandler replaces the plain text 403 sent to blocked addresses.
func (l *List) SetDenyHandler(f DenyFunc) {
	l.mu.Lock()
	l.deny = f
	l.mu.Unlock()
}

// SetTemporaryBlacklistTime sets the duration that offenders will be blacklisted for
func (l *List) SetTemporaryBlacklistTime(d time.Duration) {
	l.mu.Lock()
	l.temporaryBlacklistTime = d
	l.mu.Unlock()
}

// Blacklist adds a temporary ban to an ip address
func (l *List) Blacklist(ip string) {
	l.mu.Lock()
	until := l.now().Add(l.temporaryBlacklistTime)
	l.temporaryBlacklist[ip] = until
	l.mu.Unlock()
	l.log.Info("greylist: temporary ban", zap.String("ip", ip), zap.Time("until", until))
}

// Blocked reports whether ip may not make a request, and until when for
// temporary bans (zero for permanent ones).
func (l *List) Blocked(ip string) (bool, time.Time) {
	l.mu.RLock()
	if _, ok := l.whitelist[ip]; ok {
		l.mu.RUnlock()
		return false, time.Time{}
	}
	if _, ok := l.blacklist[ip]; ok {
		l.mu.RUnlock()
		return true, time.Time{}
	}
	until, banned := l.temporaryBlacklist[ip]
	l.mu.RUnlock()
	if !banned {
		return false, time.Time{}
	}
	if until.After(l.now()) {
		return true, until
	}
	l.mu.Lock()
	if t, ok := l.temporaryBlacklist[ip]; ok && !t.After(l.now()) {
		delete(l.temporaryBlacklist, ip)
	}
	l.mu.Unlock()
	l.log.Info("greylist: temporary ban expired", zap.String("ip", ip))
	return false, time.Time{}
}

// Protect a http.Handler
//
//	http.ListenAndServe(":8080", glist.Protect(myHandler))
func (l *List) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.RLock()
		all, deny := l.allMethods, l.deny
		l.mu.RUnlock()
		// quick short circuit for GET requests
		if !all && (r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions) {
			h.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		blocked, until := l.Blocked(ip)
		if !blocked {
			h.ServeHTTP(w, r)
			return
		}
		if until.IsZero() {
			l.log.Info("greylist: blocking blacklisted ip", zap.String("ip", ip))
		} else {
			l.log.Info("greylist: blocking temporarily banned ip", zap.String("ip", ip), zap.Duration("left", until.Sub(l.now())))
		}
		if deny != nil {
			deny(w, r, until)
			return
		}
		if until.IsZero() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		http.Error(w, fmt.Sprintf("You have been blocked for %s", until.Sub(l.now()).Truncate(time.Second)), http.StatusForbidden)
	})
}

// ClientIP is the host part of r.RemoteAddr. Put a real-ip middleware in
// front when running behind a reverse proxy.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RefreshLists reads the whitelist and blacklist files and swaps in new maps.
// A missing file yields an empty list.
func (l *List) RefreshLists() error {
	t1 := time.Now()
	whitelist, err := readList(l.whitelistFilename)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	blacklist, err := readList(l.blacklistFilename)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	l.mu.Lock()
	l.whitelist = whitelist
	l.blacklist = blacklist
	l.mu.Unlock()
	l.log.Debug("greylist: refreshed lists",
		zap.Duration("took", time.Since(t1)),
		zap.Int("whitelisted", len(whitelist)),
		zap.Int("blacklisted", len(blacklist)))
	return nil
}

func readList(filename string) (map[string]struct{}, error) {
	list := make(map[string]struct{})
	if filename == "" {
		return list, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ip := strings.TrimSpace(scanner.Text())
		if ip == "" || strings.HasPrefix(ip, "#") {
			continue
		}
		list[ip] = struct{}{}
	}
	return list, scanner.Err()
}

// Watch reloads the lists whenever either file is written, created, renamed
// or removed. It blocks until ctx is done.
func (l *List) Watch(ctx context.Context) error {
	files := map[string]bool{}
	dirs := map[string]bool{}
	for _, name := range []string{l.whitelistFilename, l.blacklistFilename} {
		if name == "" {
			continue
		}
		abs, err := filepath.Abs(name)
		if err != nil {
			return err
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(files) == 0 {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// watch directories, editors replace files instead of writing them
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("greylist: watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			if err := l.RefreshLists(); err != nil {
				l.log.Warn("greylist: reload failed", zap.String("file", event.Name), zap.Error(err))
				continue
			}
			l.log.Info("greylist: reloaded", zap.String("file", event.Name), zap.String("op", event.Op.String()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("greylist: watcher error", zap.Error(err))
		}
	}
}

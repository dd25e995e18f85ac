package p8

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// TargetType selects how a target is reached.
type TargetType int

const (
	// TargetDefault connects over ZHTTP to connectHost:connectPort.
	TargetDefault TargetType = iota
	// TargetCustom names a ZHTTP route endpoint in ZhttpRoute. The proxy
	// sends such requests over its one outbound ZHTTP client with no
	// connect host; ZhttpRoute is not consulted.
	TargetCustom
	// TargetTest responds from the built-in test handler.
	TargetTest
)

// Target is one destination of a route.
type Target struct {
	Type             TargetType
	Host             string
	ConnectHost      string
	ConnectPort      int
	SSL              bool
	Trusted          bool
	TrustConnectHost bool
	Insecure         bool
	OverHTTP         bool
	SubChannel       string
	ZhttpRoute       string
}

// Route maps a matched request onto an ordered target list with
// per-route policy.
type Route struct {
	ID          string
	AsHost      string
	PathBeg     string
	PathRemove  int
	PathPrepend string
	Prefix      string
	SigIss      string
	SigKey      []byte
	Headers     Headers
	Targets     []Target
	Trusted     bool

	host string
	path string
}

// ErrBadRouteLine is returned when a route line cannot be parsed.
type ErrBadRouteLine struct{ Line string }

func (e ErrBadRouteLine) Error() string { return "bad route line: " + e.Line }

// ParseRouteLine parses one route file line:
//
//	host[/pathbeg][,key=value...] target[,key=value...] [target...]
//
// The host may be "*" to match any.
func ParseRouteLine(line string) (*Route, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, errors.WithStack(ErrBadRouteLine{Line: line})
	}

	r := &Route{}

	cond, condProps := splitProps(fields[0])
	if i := strings.IndexByte(cond, '/'); i >= 0 {
		r.host = cond[:i]
		r.path = cond[i:]
		r.PathBeg = r.path
	} else {
		r.host = cond
	}
	r.ID = cond

	for k, v := range condProps {
		switch k {
		case "id":
			r.ID = v
		case "path_rem":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.WithStack(ErrBadRouteLine{Line: line})
			}
			r.PathRemove = n
		case "replace_beg":
			r.PathPrepend = v
		case "prefix":
			r.Prefix = v
		case "as_host":
			r.AsHost = v
		case "sig_iss":
			r.SigIss = v
		case "sig_key":
			r.SigKey = []byte(v)
		case "header":
			if i := strings.IndexByte(v, ':'); i > 0 {
				r.Headers = append(r.Headers, Header{Name: v[:i], Value: strings.TrimSpace(v[i+1:])})
			}
		}
	}

	for _, tf := range fields[1:] {
		spec, props := splitProps(tf)
		t := Target{}

		switch {
		case spec == "test":
			t.Type = TargetTest
		case strings.HasPrefix(spec, "zhttp/"):
			t.Type = TargetCustom
			t.ZhttpRoute = spec[len("zhttp/"):]
		default:
			t.Type = TargetDefault
			host := spec
			port := 80
			if i := strings.LastIndexByte(spec, ':'); i >= 0 {
				host = spec[:i]
				n, err := strconv.Atoi(spec[i+1:])
				if err != nil {
					return nil, errors.WithStack(ErrBadRouteLine{Line: line})
				}
				port = n
			}
			t.ConnectHost = host
			t.ConnectPort = port
		}

		for k, v := range props {
			switch k {
			case "ssl":
				t.SSL = v == "yes" || v == "true"
			case "host":
				t.Host = v
			case "trusted":
				t.Trusted = v == "" || v == "yes" || v == "true"
			case "trust_connect_host":
				t.TrustConnectHost = v == "" || v == "yes" || v == "true"
			case "insecure":
				t.Insecure = v == "" || v == "yes" || v == "true"
			case "over_http":
				t.OverHTTP = v == "" || v == "yes" || v == "true"
			case "sub":
				t.SubChannel = v
			}
		}

		r.Targets = append(r.Targets, t)
	}

	r.Trusted = true
	for _, t := range r.Targets {
		if !t.Trusted {
			r.Trusted = false
			break
		}
	}

	return r, nil
}

func splitProps(s string) (string, map[string]string) {
	parts := strings.Split(s, ",")
	props := map[string]string{}
	for _, p := range parts[1:] {
		if i := strings.IndexByte(p, '='); i >= 0 {
			props[p[:i]] = p[i+1:]
		} else {
			props[p] = ""
		}
	}
	return parts[0], props
}

// Scheme distinguishes plain HTTP requests from WebSocket handshakes
// during route resolution.
type Scheme int

const (
	SchemeHTTP Scheme = iota
	SchemeWebSocket
)

// RouteResolver holds the current route table and answers lookups.
// Safe for concurrent use; the table swaps atomically on reload.
type RouteResolver struct {
	mu     sync.RWMutex
	routes []*Route

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRouteResolver returns an empty resolver.
func NewRouteResolver() *RouteResolver {
	return &RouteResolver{}
}

// SetRoutes replaces the route table.
func (rr *RouteResolver) SetRoutes(routes []*Route) {
	rr.mu.Lock()
	rr.routes = routes
	rr.mu.Unlock()
}

// AddRouteLine parses and appends a single route line.
func (rr *RouteResolver) AddRouteLine(line string) error {
	r, err := ParseRouteLine(line)
	if err != nil {
		return err
	}
	rr.mu.Lock()
	rr.routes = append(rr.routes, r)
	rr.mu.Unlock()
	return nil
}

// LoadFile replaces the route table with the parsed contents of path.
// Blank lines and '#' comments are skipped.
func (rr *RouteResolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}

	var routes []*Route
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseRouteLine(line)
		if err != nil {
			slog.Warn("routes: skipping bad line", "line", line)
			continue
		}
		routes = append(routes, r)
	}

	rr.SetRoutes(routes)
	return nil
}

// Watch reloads the route file whenever it changes.
func (rr *RouteResolver) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return errors.WithStack(err)
	}

	rr.watcher = w
	rr.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := rr.LoadFile(path); err != nil {
						slog.Warn("routes: reload failed", "path", path, "error", err)
					} else {
						slog.Info("routes: reloaded", "path", path)
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-rr.done:
				return
			}
		}
	}()

	return nil
}

// Close stops any file watcher.
func (rr *RouteResolver) Close() {
	if rr.watcher != nil {
		close(rr.done)
		rr.watcher.Close()
		rr.watcher = nil
	}
}

// Resolve returns the first route matching the request, or nil. Hosts
// match verbatim or by "*" wildcard; among matching hosts, the longest
// pathBeg wins, and on equal pathBeg length a verbatim host beats "*".
// The returned route is shared and must not be modified.
func (rr *RouteResolver) Resolve(scheme Scheme, isTLS bool, host, path string) *Route {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	var best *Route
	for _, r := range rr.routes {
		if r.host != "*" && !asciiEqualFold(r.host, host) {
			continue
		}
		if r.PathBeg != "" && !strings.HasPrefix(path, r.PathBeg) {
			continue
		}
		if best == nil || len(r.PathBeg) > len(best.PathBeg) ||
			(len(r.PathBeg) == len(best.PathBeg) && best.host == "*" && r.host != "*") {
			best = r
		}
	}
	return best
}

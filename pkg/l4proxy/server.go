//go:build linux

package l4proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/BillLeecn/l4proxy/db/connlogdb"
	"github.com/BillLeecn/l4proxy/pkg/origdst"
	"github.com/BillLeecn/l4proxy/pkg/proxy"
	"github.com/BillLeecn/l4proxy/pkg/reactor"
)

// connLogBacklog bounds the records queued for the async connection-log
// writer. Overflow is dropped and counted, never blocking the relay.
const connLogBacklog = 256

type Server struct {
	Logger zerolog.Logger

	Addr          netip.AddrPort
	Backend       string
	Resolver      origdst.Resolver
	BufferSize    int
	PIDFile       string
	MetricsSecret string
	NotifySocket  string

	reload []func()
	closed bool

	m       proxyMetrics
	poller  *reactor.Poller
	connlog *connlogdb.DB
	logch   chan connlogdb.Record

	// pairs tracks live pairs for shutdown teardown. Only touched from the
	// reactor goroutine and after the reactor has stopped.
	pairs map[xid.ID]*proxy.Pair

	mu    sync.Mutex
	bound netip.AddrPort
	ready chan struct{}
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// will perform any additional config checks as required.
func NewServer(c *Config) (*Server, error) {
	var s Server
	s.ready = make(chan struct{})
	s.pairs = make(map[xid.ID]*proxy.Pair)

	if !c.Addr.IsValid() {
		return nil, fmt.Errorf("invalid listen address")
	}
	s.Addr = c.Addr

	if c.BufferSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", c.BufferSize)
	}
	s.BufferSize = c.BufferSize

	s.PIDFile = c.PIDFile
	s.MetricsSecret = c.MetricsSecret
	s.NotifySocket = c.NotifySocket

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	s.Backend = c.Backend
	if r, err := configureBackend(c); err == nil {
		s.Resolver = r
	} else {
		return nil, fmt.Errorf("initialize backend: %w", err)
	}

	if db, err := configureConnLog(c); err == nil {
		s.connlog = db
	} else {
		return nil, fmt.Errorf("initialize connection log: %w", err)
	}

	return &s, nil
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{
				Out: os.Stdout,
			}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					if c.LogFileChown != nil {
						if err := f.Chown((*c.LogFileChown)[0], (*c.LogFileChown)[1]); err != nil {
							fmt.Fprintf(os.Stderr, "error: chown log file: %v\n", err)
						}
					}
					if c.LogFileChmod != 0 {
						if err := f.Chmod(c.LogFileChmod); err != nil {
							fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", err)
						}
					}
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		reopen()
		outputs = append(outputs, x)
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

func configureBackend(c *Config) (origdst.Resolver, error) {
	// registration is process-wide and set once; a second server in the same
	// process reuses it, and SwitchTo decides whether the name matches
	origdst.RegisterRedirect("")
	return origdst.SwitchTo(c.Backend)
}

func configureConnLog(c *Config) (*connlogdb.DB, error) {
	switch typ, arg, _ := strings.Cut(c.ConnLog, ":"); typ {
	case "", "none":
		if arg != "" {
			return nil, fmt.Errorf("none: invalid argument %q", arg)
		}
		return nil, nil
	case "sqlite3":
		p, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: resolve %q: %w", arg, err)
		}
		db, err := connlogdb.Open(p)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: %w", err)
		}
		if cur, to, err := db.Version(); err != nil {
			return nil, fmt.Errorf("sqlite3: migrate: %w", err)
		} else if cur > to {
			return nil, fmt.Errorf("sqlite3: migrate: database version %d is too new", cur)
		} else if cur != to {
			if err := db.MigrateUp(context.Background(), to); err != nil {
				return nil, fmt.Errorf("sqlite3: migrate (%d to %d): %w", cur, to, err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

// Run runs the server, shutting it down gracefully when ctx is canceled. It
// must only ever be called once, and the server is useless afterwards.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return net.ErrClosed
	}
	defer func() { s.closed = true }()

	var pf *pidfile
	if s.PIDFile != "" {
		var err error
		if pf, err = lockPidfile(s.PIDFile); err != nil {
			return fmt.Errorf("create pidfile: %w", err)
		}
		defer pf.Close()
	}

	lfd, bound, err := listen(s.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr, err)
	}
	defer unix.Close(lfd)

	p, err := reactor.New()
	if err != nil {
		return fmt.Errorf("create reactor: %w", err)
	}
	s.poller = p
	defer p.Release()

	if err := p.ArmRead(lfd, func(ev reactor.Ready) {
		if ev.Readable {
			s.accept(lfd)
		}
	}); err != nil {
		return fmt.Errorf("arm listener: %w", err)
	}

	var wg sync.WaitGroup
	if s.connlog != nil {
		s.logch = make(chan connlogdb.Record, connLogBacklog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := s.Logger.With().Str("component", "connlog").Logger()
			for r := range s.logch {
				if err := s.connlog.Add(r); err != nil {
					s.m.connlog.failed.Add(1)
					l.Err(err).Str("conn", r.ID).Msg("record connection")
				} else {
					s.m.connlog.written.Add(1)
				}
			}
		}()
	}

	s.mu.Lock()
	s.bound = bound
	s.mu.Unlock()
	close(s.ready)

	s.Logger.Log().Msgf("proxying connections on %s (backend %s)", bound, s.Backend)
	go s.sdnotify("READY=1")

	err = p.Run(ctx)

	s.Logger.Log().Msg("shutting down")
	go s.sdnotify("STOPPING=1")

	// the reactor is stopped, so pair state is safe to touch from here
	for _, pair := range s.pairs {
		pair.Close()
	}
	s.pairs = nil

	if s.logch != nil {
		close(s.logch)
	}
	wg.Wait()
	if s.connlog != nil {
		s.connlog.Close()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, reactor.ErrClosed) {
		return nil
	}
	return err
}

// Ready is closed once the listener is bound and armed.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// BoundAddr returns the bound listen address once Ready is closed.
func (s *Server) BoundAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// accept handles one readiness event on the listener: at most one accepted
// connection per event, so a busy listener cannot starve existing pairs.
func (s *Server) accept(lfd int) {
	cfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return
		}
		s.m.accepts_total.fail_accept.Add(1)
		s.Logger.Err(os.NewSyscallError("accept", err)).Msg("accept connection")
		return
	}
	client := sockaddrToAddrPort(sa)
	l := s.Logger.With().Str("component", "listener").Stringer("client", client).Logger()

	dst, err := s.Resolver.Lookup(cfd)
	if err != nil {
		if errors.Is(err, origdst.ErrNoOriginalDst) {
			s.m.accepts_total.reject_no_origdst.Add(1)
			l.Info().Err(err).Msg("no original destination, dropping connection")
		} else {
			s.m.accepts_total.fail_lookup.Add(1)
			l.Err(err).Msg("look up original destination")
		}
		unix.Close(cfd)
		return
	}

	// a REDIRECT rule that matches our own listen port would loop forever
	if local, err := localAddrPort(cfd); err == nil && dst == local {
		s.m.accepts_total.reject_self_connect.Add(1)
		l.Info().Stringer("dest", dst).Msg("refusing to proxy to self")
		unix.Close(cfd)
		return
	}

	rfd, err := dial(dst)
	if err != nil {
		s.m.accepts_total.fail_connect.Add(1)
		l.Info().Err(err).Stringer("dest", dst).Msg("connect to original destination")
		unix.Close(cfd)
		return
	}

	setNodelay(cfd)
	setNodelay(rfd)

	pair, err := proxy.Start(s.poller, cfd, rfd, proxy.Config{
		BufferSize: s.BufferSize,
		Logger:     s.Logger.With().Str("component", "proxy").Logger(),
		Client:     client,
		Dest:       dst,
		OnDone:     s.pairDone,
	})
	if err != nil {
		s.m.accepts_total.fail_pair.Add(1)
		l.Err(err).Stringer("dest", dst).Msg("start pair")
		unix.Close(cfd)
		unix.Close(rfd)
		return
	}
	s.pairs[pair.ID()] = pair
	s.m.accepts_total.success.Add(1)
	s.m.pairs_active.Add(1)
}

// pairDone runs from the destroying callback on the reactor goroutine (or
// from teardown after the reactor stopped).
func (s *Server) pairDone(sum proxy.Summary) {
	if s.pairs != nil {
		delete(s.pairs, sum.ID)
	}
	s.m.pairs_active.Add(-1)
	s.m.relay_bytes.in.Add(sum.BytesIn)
	s.m.relay_bytes.out.Add(sum.BytesOut)
	switch sum.Reason {
	case proxy.ReasonConnectFailed:
		s.m.pairs_closed_total.connect_failed.Add(1)
	case proxy.ReasonIOError:
		s.m.pairs_closed_total.io_error.Add(1)
	case proxy.ReasonShutdown:
		s.m.pairs_closed_total.shutdown.Add(1)
	default:
		s.m.pairs_closed_total.done.Add(1)
	}

	if s.logch != nil {
		var reason string
		if sum.Err != nil {
			reason = fmt.Sprintf("%s: %v", sum.Reason, sum.Err)
		} else {
			reason = string(sum.Reason)
		}
		select {
		case s.logch <- connlogdb.NewRecord(sum.ID.String(), sum.Client, sum.Dest,
			sum.Started, sum.Duration, sum.BytesIn, sum.BytesOut, reason):
		default:
			s.m.connlog.dropped.Add(1)
		}
	}
}

func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}

	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

// ServeMetrics handles the metrics endpoint on the debug server.
func (s *Server) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	var internal bool
	if sec := s.MetricsSecret; sec != "" {
		if r.URL.Query().Get("secret") == sec {
			internal = true
		}
	}

	var b bytes.Buffer
	if internal {
		metrics.WriteProcessMetrics(&b)
		b.WriteByte('\n')
	}
	s.m.WritePrometheus(&b)

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Expires", "0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{
		Name: s.NotifySocket,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}


//go:build linux

// Package proxy implements the per-connection relay engine: a Pair owns the
// client and remote sockets of one proxied connection plus one bounded FIFO
// per direction, and moves bytes between them from readiness callbacks.
//
// A Pair performs one read or one write per readiness event, re-derives its
// reactor interest from buffer and half-close state after every transition,
// forwards EOF with a write-side shutdown once the corresponding buffer has
// drained, and tears itself down exactly once when neither direction can
// make progress anymore.
package proxy

import (
	"net/netip"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/BillLeecn/l4proxy/pkg/fifobuf"
	"github.com/BillLeecn/l4proxy/pkg/reactor"
)

// DefaultBufferSize is the per-direction buffer capacity used when Config
// leaves it zero. A contemporary TCP send buffer absorbs this in one write.
const DefaultBufferSize = 2048

// A Reactor is the readiness surface a Pair arms itself on. *reactor.Poller
// implements it; tests substitute a recording fake.
type Reactor interface {
	ArmRead(fd int, h reactor.Handler) error
	ArmWrite(fd int, h reactor.Handler) error
	DisarmRead(fd int) error
	DisarmWrite(fd int) error
	Remove(fd int) error
}

// Reason classifies why a Pair was destroyed.
type Reason string

const (
	ReasonDone          Reason = "done"           // both directions finished
	ReasonConnectFailed Reason = "connect_failed" // remote connect did not complete
	ReasonIOError       Reason = "io_error"       // unrecoverable read/write error
	ReasonShutdown      Reason = "shutdown"       // destroyed by the owner
)

// A Summary describes a finished connection. It is handed to Config.OnDone
// from within the destroying callback.
type Summary struct {
	ID       xid.ID
	Client   netip.AddrPort
	Dest     netip.AddrPort
	Started  time.Time
	Duration time.Duration
	BytesIn  uint64 // client to remote
	BytesOut uint64 // remote to client
	Reason   Reason
	Err      error
}

// Config carries per-pair parameters from the listener collaborator.
type Config struct {
	// BufferSize is the per-direction buffer capacity in bytes.
	BufferSize int

	// Logger is used for pair lifecycle logging; Start attaches the pair id.
	Logger zerolog.Logger

	// Client and Dest are carried through to logs and the Summary.
	Client netip.AddrPort
	Dest   netip.AddrPort

	// OnDone, if set, receives the Summary when the pair is destroyed.
	OnDone func(Summary)
}

type endpoint struct {
	fd         int
	name       string
	readOpen   bool // can still produce bytes
	writeOpen  bool // can still accept bytes
	readArmed  bool
	writeArmed bool
}

func (e *endpoint) closed() bool {
	return !e.readOpen && !e.writeOpen
}

// A Pair relays bytes between a client socket and the remote socket dialed
// to the client's original destination. All methods must be called from the
// reactor goroutine.
type Pair struct {
	id  xid.ID
	log zerolog.Logger
	r   Reactor

	client endpoint
	remote endpoint

	// c2r buffers client reads destined for the remote; r2c the reverse.
	c2r *fifobuf.Buffer
	r2c *fifobuf.Buffer

	bufSize   int
	connected bool // remote connect completed

	clientAddr netip.AddrPort
	destAddr   netip.AddrPort
	started    time.Time
	bytesIn    uint64
	bytesOut   uint64

	destroyed bool
	onDone    func(Summary)
}

// Start creates a Pair over a connected nonblocking client socket and a
// nonblocking remote socket with a connect in flight, and arms the
// connect-completion probe. On error neither fd has been registered and both
// remain owned by the caller.
func Start(r Reactor, cfd, rfd int, cfg Config) (*Pair, error) {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pair{
		id:         xid.New(),
		r:          r,
		client:     endpoint{fd: cfd, name: "client", readOpen: true, writeOpen: true},
		remote:     endpoint{fd: rfd, name: "remote"},
		bufSize:    size,
		clientAddr: cfg.Client,
		destAddr:   cfg.Dest,
		started:    time.Now(),
		onDone:     cfg.OnDone,
	}
	p.log = cfg.Logger.With().
		Stringer("pair", p.id).
		Stringer("client", cfg.Client).
		Stringer("dest", cfg.Dest).
		Logger()

	if err := r.ArmWrite(rfd, p.remoteEvent); err != nil {
		return nil, err
	}
	p.remote.writeArmed = true
	p.log.Debug().Msg("pair started, waiting for remote connect")
	return p, nil
}

// ID returns the pair's identifier.
func (p *Pair) ID() xid.ID {
	return p.id
}

// Destroyed reports whether the pair has been torn down.
func (p *Pair) Destroyed() bool {
	return p.destroyed
}

// Close tears the pair down from outside the relay, e.g. at server
// shutdown. It must be called from the reactor goroutine (or after the
// reactor has stopped).
func (p *Pair) Close() {
	p.destroy(ReasonShutdown, nil)
}

func (p *Pair) clientEvent(ev reactor.Ready) {
	if p.destroyed {
		return
	}
	if ev.Writable {
		p.writable(&p.client, &p.remote, p.r2c)
	}
	if ev.Readable && !p.destroyed {
		p.readable(&p.client, &p.remote, p.c2r, &p.bytesIn)
	}
}

func (p *Pair) remoteEvent(ev reactor.Ready) {
	if p.destroyed {
		return
	}
	if !p.connected {
		if ev.Writable {
			p.connectDone()
		}
		return
	}
	if ev.Writable {
		p.writable(&p.remote, &p.client, p.c2r)
	}
	if ev.Readable && !p.destroyed {
		p.readable(&p.remote, &p.client, p.r2c, &p.bytesOut)
	}
}

// rearm is the single place reactor interest changes in steady state. It is
// idempotent and re-derives every interest bit from current buffer and
// half-close state.
func (p *Pair) rearm() {
	if p.destroyed || !p.connected {
		return
	}
	p.armRead(&p.client, p.clientEvent, &p.remote, p.c2r)
	p.armRead(&p.remote, p.remoteEvent, &p.client, p.r2c)
	p.armWrite(&p.client, p.clientEvent, p.r2c)
	p.armWrite(&p.remote, p.remoteEvent, p.c2r)
}

func (p *Pair) armRead(e *endpoint, h reactor.Handler, peer *endpoint, dst *fifobuf.Buffer) {
	want := !p.destroyed && e.readOpen && peer.writeOpen && dst.Free() > 0
	if want == e.readArmed {
		return
	}
	if want {
		if err := p.r.ArmRead(e.fd, h); err != nil {
			p.destroy(ReasonIOError, err)
			return
		}
	} else {
		p.r.DisarmRead(e.fd)
	}
	e.readArmed = want
}

func (p *Pair) armWrite(e *endpoint, h reactor.Handler, src *fifobuf.Buffer) {
	want := !p.destroyed && e.writeOpen && src.Amount() > 0
	if want == e.writeArmed {
		return
	}
	if want {
		if err := p.r.ArmWrite(e.fd, h); err != nil {
			p.destroy(ReasonIOError, err)
			return
		}
	} else {
		p.r.DisarmWrite(e.fd)
	}
	e.writeArmed = want
}

//go:build linux

package proxy

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/BillLeecn/l4proxy/pkg/fifobuf"
)

// connectDone probes the remote socket after its first write readiness. A
// clean probe allocates the buffers and switches the pair into relaying.
func (p *Pair) connectDone() {
	nerr, err := unix.GetsockoptInt(p.remote.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		p.destroy(ReasonIOError, os.NewSyscallError("getsockopt", err))
		return
	}
	if nerr != 0 {
		p.destroy(ReasonConnectFailed, unix.Errno(nerr))
		return
	}

	p.connected = true
	p.remote.readOpen = true
	p.remote.writeOpen = true
	p.c2r = fifobuf.New(p.bufSize)
	p.r2c = fifobuf.New(p.bufSize)

	p.r.DisarmWrite(p.remote.fd)
	p.remote.writeArmed = false
	p.log.Debug().Msg("remote connected")
	p.rearm()
}

// readable performs one nonblocking read from e into dst.
func (p *Pair) readable(e *endpoint, peer *endpoint, dst *fifobuf.Buffer, counter *uint64) {
	if !e.readOpen || dst.Free() == 0 {
		return
	}
	n, err := unix.Read(e.fd, dst.Space())
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		p.destroy(ReasonIOError, os.NewSyscallError("read", err))
		return
	case n == 0:
		p.halfCloseRead(e, peer, dst)
		return
	}
	dst.PushBack(nil, n)
	*counter += uint64(n)
	p.rearm()
}

// writable performs one nonblocking write to e from src.
func (p *Pair) writable(e *endpoint, peer *endpoint, src *fifobuf.Buffer) {
	if !e.writeOpen {
		return
	}
	if src.Amount() == 0 {
		p.rearm()
		return
	}
	n, err := unix.Write(e.fd, src.Data())
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err == unix.EPIPE || err == unix.ECONNRESET:
		p.halfCloseWrite(e, src)
		return
	case err != nil:
		p.destroy(ReasonIOError, os.NewSyscallError("write", err))
		return
	}
	src.PopFront(nil, n)
	if src.Amount() == 0 && !peer.readOpen {
		// the source already hit EOF; forward it now that the buffer drained
		p.shutdownWrite(e)
	}
	p.maybeDestroy()
	p.rearm()
}

// halfCloseRead handles an orderly EOF on e's read side. Buffered bytes keep
// draining; once the buffer is empty the EOF is forwarded to the peer with a
// write-side shutdown.
func (p *Pair) halfCloseRead(e *endpoint, peer *endpoint, dst *fifobuf.Buffer) {
	e.readOpen = false
	if e.readArmed {
		p.r.DisarmRead(e.fd)
		e.readArmed = false
	}
	p.log.Debug().Str("endpoint", e.name).Msg("eof")
	if dst.Amount() == 0 {
		p.shutdownWrite(peer)
	}
	p.maybeDestroy()
	p.rearm()
}

// halfCloseWrite handles a broken write side on e. Bytes buffered for e can
// never be delivered, so they are dropped to let the termination rules fire.
func (p *Pair) halfCloseWrite(e *endpoint, src *fifobuf.Buffer) {
	e.writeOpen = false
	if e.writeArmed {
		p.r.DisarmWrite(e.fd)
		e.writeArmed = false
	}
	src.PopFront(nil, src.Amount())
	p.log.Debug().Str("endpoint", e.name).Msg("write side closed by peer")
	p.maybeDestroy()
	p.rearm()
}

// shutdownWrite forwards an EOF by shutting down e's write side. The socket
// itself stays open until the pair is destroyed.
func (p *Pair) shutdownWrite(e *endpoint) {
	if !e.writeOpen {
		return
	}
	e.writeOpen = false
	if e.writeArmed {
		p.r.DisarmWrite(e.fd)
		e.writeArmed = false
	}
	unix.Shutdown(e.fd, unix.SHUT_WR)
	p.log.Debug().Str("endpoint", e.name).Msg("forwarded eof")
}

// maybeDestroy applies the termination rules: both endpoints closed, or one
// endpoint closed with nothing left to deliver to the other.
func (p *Pair) maybeDestroy() {
	if p.destroyed || !p.connected {
		return
	}
	switch {
	case p.client.closed() && p.remote.closed():
		p.destroy(ReasonDone, nil)
	case p.client.closed() && p.c2r.Amount() == 0:
		p.destroy(ReasonDone, nil)
	case p.remote.closed() && p.r2c.Amount() == 0:
		p.destroy(ReasonDone, nil)
	}
}

// destroy tears the pair down: every interest is disarmed, both sockets are
// closed, and the buffers are released. It runs at most once.
func (p *Pair) destroy(reason Reason, err error) {
	if p.destroyed {
		return
	}
	p.destroyed = true

	p.r.Remove(p.client.fd)
	p.r.Remove(p.remote.fd)
	unix.Close(p.client.fd)
	unix.Close(p.remote.fd)
	p.client.readOpen, p.client.writeOpen = false, false
	p.remote.readOpen, p.remote.writeOpen = false, false
	p.client.readArmed, p.client.writeArmed = false, false
	p.remote.readArmed, p.remote.writeArmed = false, false
	p.c2r = nil
	p.r2c = nil

	d := time.Since(p.started)
	e := p.log.Debug()
	if err != nil && reason != ReasonConnectFailed {
		e = p.log.Warn().Err(err)
	} else if err != nil {
		e = p.log.Info().Err(err)
	}
	e.Str("reason", string(reason)).
		Uint64("bytes_in", p.bytesIn).
		Uint64("bytes_out", p.bytesOut).
		Dur("duration", d).
		Msg("pair closed")

	if p.onDone != nil {
		p.onDone(Summary{
			ID:       p.id,
			Client:   p.clientAddr,
			Dest:     p.destAddr,
			Started:  p.started,
			Duration: d,
			BytesIn:  p.bytesIn,
			BytesOut: p.bytesOut,
			Reason:   reason,
			Err:      err,
		})
	}
}

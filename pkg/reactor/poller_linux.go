//go:build linux

package reactor

import (
	"context"
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Run after Close, and by arming or disarming
// interest on a closed Poller.
var ErrClosed = errors.New("reactor: poller closed")

// A Poller multiplexes readiness notifications over epoll. Registrations may
// be made from any goroutine, but handlers only ever run on the goroutine
// calling Run.
type Poller struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	regs   map[int]*reg
	closed bool
}

type reg struct {
	h       Handler
	read    bool
	write   bool
	inEpoll bool
}

// New creates a Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[int]*reg),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return p, nil
}

// ArmRead arms read interest on fd, registering h as its handler.
func (p *Poller) ArmRead(fd int, h Handler) error {
	return p.arm(fd, h, true, false)
}

// ArmWrite arms write interest on fd, registering h as its handler.
func (p *Poller) ArmWrite(fd int, h Handler) error {
	return p.arm(fd, h, false, true)
}

// DisarmRead removes read interest on fd. It is a no-op for unknown fds.
func (p *Poller) DisarmRead(fd int) error {
	return p.disarm(fd, true, false)
}

// DisarmWrite removes write interest on fd. It is a no-op for unknown fds.
func (p *Poller) DisarmWrite(fd int) error {
	return p.disarm(fd, false, true)
}

// Remove drops fd from the poller entirely. The fd itself is not closed.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regs[fd]
	if !ok {
		return nil
	}
	delete(p.regs, fd)
	if r.inEpoll && !p.closed {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
	}
	return nil
}

func (p *Poller) arm(fd int, h Handler, read, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	r, ok := p.regs[fd]
	if !ok {
		r = &reg{}
		p.regs[fd] = r
	}
	if h != nil {
		r.h = h
	}
	r.read = r.read || read
	r.write = r.write || write
	return p.update(fd, r)
}

func (p *Poller) disarm(fd int, read, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	r, ok := p.regs[fd]
	if !ok {
		return nil
	}
	if read {
		r.read = false
	}
	if write {
		r.write = false
	}
	return p.update(fd, r)
}

// update syncs a registration's interest set with epoll. Registrations with
// no interest are removed from the epoll set entirely, since a registered fd
// reports hangup and error conditions even with an empty event mask.
func (p *Poller) update(fd int, r *reg) error {
	var events uint32
	if r.read {
		events |= unix.EPOLLIN
	}
	if r.write {
		events |= unix.EPOLLOUT
	}
	var op int
	switch {
	case events == 0 && r.inEpoll:
		op = unix.EPOLL_CTL_DEL
	case events == 0:
		return nil
	case r.inEpoll:
		op = unix.EPOLL_CTL_MOD
	default:
		op = unix.EPOLL_CTL_ADD
	}
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: events, Fd: int32(fd)}
	}
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	r.inEpoll = op != unix.EPOLL_CTL_DEL
	return nil
}

// Run dispatches readiness events until ctx is canceled or Close is called.
// It must only be called once.
func (p *Poller) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.wake()
		case <-stop:
		}
	}()

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == p.wakefd {
				var buf [8]byte
				unix.Read(p.wakefd, buf[:])
				continue
			}
			p.dispatch(fd, ev.Events)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrClosed
		}
	}
}

func (p *Poller) dispatch(fd int, events uint32) {
	p.mu.Lock()
	r, ok := p.regs[fd]
	var h Handler
	var rd, wr bool
	if ok {
		h = r.h
		rd = r.read && events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
		wr = r.write && events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0
	}
	p.mu.Unlock()
	if h != nil && (rd || wr) {
		h(Ready{Readable: rd, Writable: wr})
	}
}

func (p *Poller) wake() {
	var one = [8]byte{7: 1}
	unix.Write(p.wakefd, one[:])
}

// Close stops the Run loop. The epoll and wakeup descriptors stay open until
// Release; registered fds are not closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

// Release closes the epoll and wakeup descriptors. Call it after Run has
// returned.
func (p *Poller) Release() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}

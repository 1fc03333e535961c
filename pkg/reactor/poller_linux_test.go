//go:build linux

package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadReadiness(t *testing.T) {
	p := newTestPoller(t)
	defer p.Release()

	r, w := testPipe(t)

	got := make(chan Ready, 1)
	if err := p.ArmRead(r, func(rd Ready) {
		select {
		case got <- rd:
		default:
		}
		p.DisarmRead(r)
	}); err != nil {
		t.Fatalf("arm read: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case rd := <-got:
		if !rd.Readable {
			t.Fatalf("handler called without readable: %+v", rd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestWriteReadinessAndDisarm(t *testing.T) {
	p := newTestPoller(t)
	defer p.Release()

	_, w := testPipe(t)

	calls := make(chan struct{}, 16)
	if err := p.ArmWrite(w, func(rd Ready) {
		if rd.Writable {
			calls <- struct{}{}
		}
		p.DisarmWrite(w)
	}); err != nil {
		t.Fatalf("arm write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("write handler not called for writable pipe")
	}

	// disarmed inside the handler; no further events should arrive
	select {
	case <-calls:
		t.Fatal("handler called after disarm")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestClose(t *testing.T) {
	p := newTestPoller(t)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on close")
	}
	p.Release()

	if err := p.ArmRead(0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("arm after close returned %v", err)
	}
}

func TestRemove(t *testing.T) {
	p := newTestPoller(t)
	defer p.Release()
	r, _ := testPipe(t)

	if err := p.ArmRead(r, func(Ready) {}); err != nil {
		t.Fatalf("arm read: %v", err)
	}
	if err := p.Remove(r); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.Remove(r); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

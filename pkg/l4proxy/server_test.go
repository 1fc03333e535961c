//go:build linux

package l4proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BillLeecn/l4proxy/db/connlogdb"
)

// fixedResolver pretends every accepted connection was originally destined
// for one address, standing in for the packet filter during tests.
type fixedResolver netip.AddrPort

func (r fixedResolver) Lookup(int) (netip.AddrPort, error) {
	return netip.AddrPort(r), nil
}

func startTestServer(t *testing.T, dest netip.AddrPort, env ...string) *Server {
	t.Helper()

	var c Config
	if err := c.UnmarshalEnv(append([]string{
		"L4PROXY_ADDR=127.0.0.1:0",
		"L4PROXY_LOG_STDOUT=false",
	}, env...), false); err != nil {
		t.Fatalf("config: %v", err)
	}

	s, err := NewServer(&c)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s.Resolver = fixedResolver(dest)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server exited with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return s
}

// waitPairsDrained polls until no pairs remain live.
func waitPairsDrained(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.m.pairs_active.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d pairs still active", s.m.pairs_active.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoServer(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

func TestProxyEcho(t *testing.T) {
	dbfile := filepath.Join(t.TempDir(), "connlog.db")
	s := startTestServer(t, echoServer(t), "L4PROXY_CONNLOG=sqlite3:"+dbfile)

	conn, err := net.Dial("tcp", s.BoundAddr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 6)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello\n" {
		t.Fatalf("got %q", got)
	}

	conn.Close()
	waitPairsDrained(t, s)

	if n := s.m.accepts_total.success.Load(); n != 1 {
		t.Fatalf("accepts: %d", n)
	}
	if n := s.m.pairs_closed_total.done.Load(); n != 1 {
		t.Fatalf("clean closes: %d", n)
	}
	if in, out := s.m.relay_bytes.in.Load(), s.m.relay_bytes.out.Load(); in != 6 || out != 6 {
		t.Fatalf("relay bytes: in=%d out=%d", in, out)
	}

	// the record reaches sqlite via the async writer
	deadline := time.Now().Add(5 * time.Second)
	for s.m.connlog.written.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection record not written")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProxyLargeStream(t *testing.T) {
	const total = 1 << 20

	payload := make([]byte, total)
	rand.New(rand.NewSource(42)).Read(payload)

	type result struct {
		buf []byte
		err error
	}
	results := make(chan result, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- result{nil, err}
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		_, err = io.Copy(&buf, conn)
		results <- result{buf.Bytes(), err}
	}()

	s := startTestServer(t, netip.MustParseAddrPort(ln.Addr().String()))

	conn, err := net.Dial("tcp", s.BoundAddr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("receive: %v", r.err)
		}
		if !bytes.Equal(r.buf, payload) {
			t.Fatalf("received %d bytes, sent %d; contents differ", len(r.buf), len(payload))
		}
	case <-time.After(30 * time.Second):
		t.Fatal("transfer did not complete")
	}
	waitPairsDrained(t, s)
}

func TestProxyRemoteCloseWithPendingData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("bye"))
			conn.Close()
		}
	}()

	s := startTestServer(t, netip.MustParseAddrPort(ln.Addr().String()))

	conn, err := net.Dial("tcp", s.BoundAddr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "bye" {
		t.Fatalf("got %q", got)
	}
}

func TestProxyConnectRefused(t *testing.T) {
	// grab a port that refuses connections
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dest := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	s := startTestServer(t, dest)

	conn, err := net.Dial("tcp", s.BoundAddr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// the proxy closes the client connection once the connect fails
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the proxy to close the connection")
	} else if errors.Is(err, io.EOF) {
		// orderly close
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("proxy left the connection open")
	}

	waitPairsDrained(t, s)
	if n := s.m.pairs_closed_total.connect_failed.Load(); n != 1 {
		t.Fatalf("connect failures: %d", n)
	}
}

func TestConnLogRecords(t *testing.T) {
	dbfile := filepath.Join(t.TempDir(), "connlog.db")

	func() {
		s := startTestServer(t, echoServer(t), "L4PROXY_CONNLOG=sqlite3:"+dbfile)

		conn, err := net.Dial("tcp", s.BoundAddr().String())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		conn.Write([]byte("ping"))
		buf := make([]byte, 4)
		io.ReadFull(conn, buf)
		conn.Close()
		waitPairsDrained(t, s)

		deadline := time.Now().Add(5 * time.Second)
		for s.m.connlog.written.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("connection record not written")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	db, err := connlogdb.Open(dbfile)
	if err != nil {
		t.Fatalf("reopen connlog: %v", err)
	}
	defer db.Close()
	rs, err := db.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rs) != 1 {
		t.Fatalf("got %d records", len(rs))
	}
	r := rs[0]
	if r.BytesIn != 4 || r.BytesOut != 4 {
		t.Errorf("bytes: in=%d out=%d", r.BytesIn, r.BytesOut)
	}
	if r.Reason != "done" {
		t.Errorf("reason: %q", r.Reason)
	}
}

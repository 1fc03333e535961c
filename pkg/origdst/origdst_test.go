package origdst

import (
	"net/netip"
	"testing"
)

type fixed netip.AddrPort

func (f fixed) Lookup(int) (netip.AddrPort, error) {
	return netip.AddrPort(f), nil
}

func TestRegistry(t *testing.T) {
	dst := netip.MustParseAddrPort("192.0.2.1:443")

	var g Registry
	if g.Active() != "" {
		t.Fatalf("fresh registry has active backend %q", g.Active())
	}
	if _, err := g.SwitchTo("redirect"); err == nil {
		t.Fatal("switchto on empty registry succeeded")
	}
	if err := g.Register("redirect", fixed(dst)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if g.Active() != "redirect" {
		t.Fatalf("active backend is %q", g.Active())
	}
	if err := g.Register("redirect", fixed(dst)); err == nil {
		t.Fatal("second register succeeded")
	}
	if err := g.Register("other", fixed(dst)); err == nil {
		t.Fatal("second register under a different name succeeded")
	}
	if _, err := g.SwitchTo("other"); err == nil {
		t.Fatal("switchto with wrong name succeeded")
	}
	r, err := g.SwitchTo("redirect")
	if err != nil {
		t.Fatalf("switchto: %v", err)
	}
	if got, err := r.Lookup(0); err != nil || got != dst {
		t.Fatalf("lookup: got %v, %v", got, err)
	}
}

func TestRegisterInvalid(t *testing.T) {
	var g Registry
	if err := g.Register("", fixed{}); err == nil {
		t.Fatal("register with empty name succeeded")
	}
	if err := g.Register("x", nil); err == nil {
		t.Fatal("register with nil resolver succeeded")
	}
}

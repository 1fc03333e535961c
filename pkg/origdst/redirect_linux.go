//go:build linux

package origdst

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h. The IPv4
// equivalent is unix.SO_ORIGINAL_DST.
const ip6tSoOriginalDst = 80

// redirect reads SO_ORIGINAL_DST from conntrack state. It only works for
// sockets accepted from a packet-filter REDIRECT (or TPROXY-less DNAT) rule.
type redirect struct{}

// NewRedirect returns the conntrack-backed resolver.
func NewRedirect() Resolver {
	return redirect{}
}

// RegisterRedirect registers the conntrack-backed resolver under name, or
// "redirect" if name is empty.
func RegisterRedirect(name string) error {
	if name == "" {
		name = "redirect"
	}
	return Register(name, NewRedirect())
}

func (redirect) Lookup(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return origDst4(fd)
	case *unix.SockaddrInet6:
		// v4 connections accepted on a dual-stack socket keep their
		// original destination under SOL_IP
		if ap, err := origDst6(fd); err == nil {
			return ap, nil
		}
		return origDst4(fd)
	default:
		return netip.AddrPort{}, ErrUnsupported
	}
}

// layout-matched to struct sockaddr_in; the port stays in network byte order
// so it can be decoded explicitly.
type rawSockaddr4 struct {
	Family uint16
	Port   [2]byte
	Addr   [4]byte
	Zero   [8]byte
}

// layout-matched to struct sockaddr_in6.
type rawSockaddr6 struct {
	Family   uint16
	Port     [2]byte
	Flowinfo uint32
	Addr     [16]byte
	ScopeID  uint32
}

func origDst4(fd int) (netip.AddrPort, error) {
	var sa rawSockaddr4
	l := uint32(unsafe.Sizeof(sa))
	if err := getsockopt(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST, unsafe.Pointer(&sa), &l); err != nil {
		return netip.AddrPort{}, err
	}
	if sa.Family != unix.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("%w: unexpected address family %d", ErrNoOriginalDst, sa.Family)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), binary.BigEndian.Uint16(sa.Port[:])), nil
}

func origDst6(fd int) (netip.AddrPort, error) {
	var sa rawSockaddr6
	l := uint32(unsafe.Sizeof(sa))
	if err := getsockopt(fd, unix.SOL_IPV6, ip6tSoOriginalDst, unsafe.Pointer(&sa), &l); err != nil {
		return netip.AddrPort{}, err
	}
	if sa.Family != unix.AF_INET6 {
		return netip.AddrPort{}, fmt.Errorf("%w: unexpected address family %d", ErrNoOriginalDst, sa.Family)
	}
	return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), binary.BigEndian.Uint16(sa.Port[:])), nil
}

func getsockopt(fd, level, opt int, v unsafe.Pointer, l *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(opt),
		uintptr(v), uintptr(unsafe.Pointer(l)), 0)
	switch errno {
	case 0:
		return nil
	case unix.ENOENT:
		// conntrack has no NAT mapping for this socket
		return ErrNoOriginalDst
	case unix.ENOPROTOOPT, unix.EOPNOTSUPP:
		return ErrUnsupported
	default:
		return os.NewSyscallError("getsockopt", errno)
	}
}

// Package tap implements a link.Device backed by a Linux TUN/TAP
// interface (/dev/net/tun opened with IFF_TAP|IFF_NO_PI): this stack's
// on-host stand-in for the firmware original's ENC28J60 SPI Ethernet
// controller. Non-Linux builds have no equivalent device; callers on
// other platforms should use link/sim instead.
package tap

import (
	"fmt"
	"unsafe"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/host"
	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16

	// tunSetIff is the TUNSETIFF ioctl request number, _IOW('T', 202,
	// int) on Linux. golang.org/x/sys/unix does not export it directly
	// (it lives in the kernel's linux/if_tun.h, outside unix's
	// generated syscall tables), the same way the teacher's own
	// unimplemented-syscall compat shim (runsc/boot/compat.go) reaches
	// for a raw unix.SYS_IOCTL constant rather than a higher-level
	// wrapper when the wrapper doesn't exist.
	tunSetIff = 0x400454ca

	iffTap  = 0x0002
	iffNoPI = 0x1000
)

// ifReq mirrors struct ifreq from linux/if.h, sized to 40 bytes (the
// name field plus the union's largest member padded out) for the one
// ioctl this package issues.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// Device is a link.Device over one TAP interface.
type Device struct {
	fd   int
	mac  host.MAC
	mtu  int
	send *buffer.Mem
	recv *buffer.Mem
}

// Open creates (or attaches to, if it already exists) the named TAP
// interface and returns a Device over it. The interface's own link-layer
// address is not read back from the kernel; mac is the address this
// stack will claim as its own in frames it sends, independent of
// whatever the kernel assigned the host-side interface.
func Open(name string, mac host.MAC, mtu int) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIff, uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, errno)
	}

	return &Device{
		fd:   fd,
		mac:  mac,
		mtu:  mtu,
		send: buffer.NewMem(mtu),
		recv: buffer.NewMem(mtu),
	}, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

func (d *Device) MAC() host.MAC { return d.mac }

func (d *Device) MTU() int { return d.mtu }

func (d *Device) SendBuffer() buffer.Buffer { return d.send }

func (d *Device) RecvBuffer() buffer.Buffer { return d.recv }

// Send writes length bytes from SendBuffer to the TAP fd. TAP delivers
// whole Ethernet frames per write with IFF_NO_PI set, so no additional
// framing is needed.
func (d *Device) Send(length int) error {
	if _, err := unix.Write(d.fd, d.send.Bytes()[:length]); err != nil {
		return fmt.Errorf("tap: write: %w", err)
	}
	return nil
}

// Poll performs one non-blocking read. It returns (0, nil) if no frame
// is currently available, matching link.Device's non-blocking contract.
func (d *Device) Poll() (int, error) {
	n, err := unix.Read(d.fd, d.recv.Bytes())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, fmt.Errorf("tap: read: %w", err)
	}
	return n, nil
}

// Package tap wraps a host TAP device so the link layer can read and write
// raw Ethernet frames, per spec §6's optional TAP interface. It is grounded
// on the teacher's tunDevice read/write goroutines (src/yggdrasil/tun.go)
// and its github.com/songgao/water-based device creation
// (src/yggdrasil/tun_darwin.go), generalized from TUN-mode IPv6 framing to
// raw TAP-mode Ethernet frame passthrough, since Sparkle's overlay carries
// whole Ethernet frames rather than bare IP packets.
package tap

import (
	"github.com/songgao/water"
)

// maxFrame is generous headroom over the standard 1500-byte Ethernet MTU
// plus the 14-byte header, matching the teacher's mtu+ETHER_HEADER_LENGTH
// sizing for TAP-mode reads.
const maxFrame = 1518 + 256

// FrameHandler receives frames read off the TAP device.
type FrameHandler interface {
	OnFrame(frame []byte)
}

// Device wraps a real OS TAP interface.
type Device struct {
	iface *water.Interface

	handler FrameHandler
	closed  chan struct{}
}

// New creates and opens a TAP device. Bringing the interface up (and
// optionally setting its MTU) is a separate step, Device.Up, which uses
// netlink on Linux and is a no-op elsewhere, mirroring the teacher's split between device creation and
// platform-specific setupAddress.
func New() (*Device, error) {
	cfg := water.Config{DeviceType: water.TAP}
	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Device{iface: iface, closed: make(chan struct{})}, nil
}

// Name returns the OS-assigned interface name (e.g. "tap0").
func (d *Device) Name() string { return d.iface.Name() }

// SetHandler installs the callback invoked for every frame read from the
// device, and starts the reader goroutine.
func (d *Device) SetHandler(h FrameHandler) {
	d.handler = h
	go d.readLoop()
}

// WriteFrame injects a full Ethernet frame into the OS network stack.
func (d *Device) WriteFrame(frame []byte) error {
	_, err := d.iface.Write(frame)
	return err
}

// Close releases the underlying OS device.
func (d *Device) Close() error {
	close(d.closed)
	return d.iface.Close()
}

func (d *Device) readLoop() {
	buf := make([]byte, maxFrame)
	for {
		n, err := d.iface.Read(buf)
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
				continue
			}
		}
		if d.handler == nil {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		d.handler.OnFrame(frame)
	}
}

//go:build linux
// +build linux

package tap

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Up brings the TAP interface up via netlink, matching the teacher's
// setupAddress in src/tun/tun_linux.go. Sparkle's TAP carries raw Ethernet
// frames rather than an IP subnet, so only the link-up and MTU steps apply
// here; there is no address to assign.
func (d *Device) Up(mtu int) error {
	link, err := netlink.LinkByName(d.Name())
	if err != nil {
		return fmt.Errorf("tap: failed to find link by name: %w", err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("tap: failed to set link MTU: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tap: failed to bring link up: %w", err)
	}
	return nil
}

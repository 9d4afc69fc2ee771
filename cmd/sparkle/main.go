// Command sparkle is the process entry point: flag parsing, logger
// construction, profile/key management, and wiring the core link layer to
// its UDP transport and TAP device. Grounded on cmd/yggdrasil/main.go's
// flag set, logger construction, and signal handling.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/gologme/log"
	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/kardianos/minwinsvc"

	"github.com/sparkle-vpn/sparkle/src/address"
	"github.com/sparkle-vpn/sparkle/src/config"
	"github.com/sparkle-vpn/sparkle/src/crypto"
	"github.com/sparkle-vpn/sparkle/src/link"
	"github.com/sparkle-vpn/sparkle/src/router"
	"github.com/sparkle-vpn/sparkle/src/tap"
	"github.com/sparkle-vpn/sparkle/src/transport"
	"github.com/sparkle-vpn/sparkle/src/version"
)

// DefaultPort is used when --bind/--join omit a port.
const DefaultPort = 1801

// DefaultKeyBits is the RSA modulus size used when --generate-key is given
// without an explicit bit count.
const DefaultKeyBits = 2048

func main() {
	os.Exit(run())
}

func run() int {
	create := flag.Bool("create", false, "create a new network as the first master")
	join := flag.String("join", "", "bootstrap host[:port] to join an existing network")
	bind := flag.String("bind", "0.0.0.0:1801", "local host[:port] to bind the UDP transport to")
	profile := flag.String("profile", config.DefaultProfile, "named profile directory holding this node's key")
	generateKey := flag.Int("generate-key", 0, "generate a new RSA keypair of the given bit size and exit")
	getPubkey := flag.Bool("get-pubkey", false, "print the profile's public key and exit")
	noTap := flag.Bool("no-tap", false, "do not attach a TAP device; run without upper-layer frame I/O")
	logto := flag.String("logto", "stdout", "file path to log to, \"syslog\" or \"stdout\"")
	loglevel := flag.String("loglevel", "info", "loglevel to enable")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	minwinsvc.SetOnExit(cancel)

	logger := newLogger(*logto)
	setLogLevel(*loglevel, logger)

	prof, err := config.Load(*profile)
	if err != nil {
		logger.Errorln("profile:", err)
		return 1
	}

	if *generateKey > 0 {
		return doGenerateKey(prof, *generateKey)
	}

	identity := &crypto.RSAKeyPair{}
	if prof.HasKey() {
		if err := identity.Load(prof.KeyPath()); err != nil {
			logger.Errorln("loading key:", err)
			return 1
		}
	} else {
		logger.Warnln("no key found for profile", prof.Name, "- generating one now")
		if err := identity.Generate(DefaultKeyBits); err != nil {
			logger.Errorln("generating key:", err)
			return 1
		}
		if err := identity.Save(prof.KeyPath()); err != nil {
			logger.Errorln("saving key:", err)
			return 1
		}
	}

	if *getPubkey {
		fmt.Println(base64.StdEncoding.EncodeToString(identity.PublicKeyBytes()))
		return 0
	}

	if !*create && *join == "" {
		fmt.Println("Usage:")
		flag.PrintDefaults()
		return 0
	}

	bindAddr, err := resolveHostPort(*bind, DefaultPort)
	if err != nil {
		logger.Errorln("bind address:", err)
		return 1
	}

	rt := router.New()
	tr, err := transport.Listen(bindAddr)
	if err != nil {
		logger.Errorln("binding transport:", err)
		return 1
	}
	defer tr.Close()

	ll := link.New(link.Config{
		Identity:  identity,
		Router:    rt,
		Transport: tr,
		Log:       logger,
	})
	tr.SetHandler(ll)

	var tapDevice frameInjector = tap.NullTap{}
	if !*noTap {
		dev, err := tap.New()
		if err != nil {
			logger.Warnln("tap device unavailable, continuing without one:", err)
		} else {
			defer dev.Close()
			if err := dev.Up(0); err != nil {
				logger.Warnln("bringing tap device up:", err)
			}
			tapDevice = dev
			logger.Infoln("attached tap device", dev.Name())
		}
	}
	bridge := newTapBridge(ll, tapDevice, rt, logger)
	ll.SetFrameHandler(bridge)
	if dev, ok := tapDevice.(*tap.Device); ok {
		dev.SetHandler(tapFrameReader{bridge})
	}

	switch {
	case *create:
		ll.CreateNetwork(tr.LocalEndpoint())
		logger.Infoln("sparkle", version.BuildName(), version.BuildVersion(), "created network at", tr.LocalEndpoint())
	case *join != "":
		remote, err := resolveHostPort(*join, DefaultPort)
		if err != nil {
			logger.Errorln("join address:", err)
			return 1
		}
		joinCtx, joinCancel := context.WithTimeout(ctx, link.HandshakeTimeout*2)
		defer joinCancel()
		if err := ll.JoinNetwork(joinCtx, tr.LocalEndpoint(), remote); err != nil {
			logger.Errorln("join failed:", err)
			return 1
		}
	}

	<-ctx.Done()
	logger.Infoln("shutting down")
	return 0
}

func doGenerateKey(prof *config.Profile, bits int) int {
	// RSA generation at these bit sizes is a single blocking call with no
	// natural progress counter; tick the bar on a timer until it's done,
	// the same "long synchronous operation gets a bar" idiom as
	// contrib/ansible/genkeys.go, just ticked by a timer instead of a loop
	// over independent key trials.
	bar := pb.StartNew(20)
	identity := &crypto.RSAKeyPair{}
	done := make(chan error, 1)
	go func() { done <- identity.Generate(bits) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			bar.SetTotal(bar.Current() + 1)
			bar.Increment()
			bar.Finish()
			if err != nil {
				fmt.Fprintln(os.Stderr, "generating key:", err)
				return 1
			}
			if err := identity.Save(prof.KeyPath()); err != nil {
				fmt.Fprintln(os.Stderr, "saving key:", err)
				return 1
			}
			fmt.Println("wrote key to", prof.KeyPath())
			return 0
		case <-ticker.C:
			bar.Increment()
		}
	}
}

// frameInjector is the subset of the TAP surface the CLI's bridge needs;
// satisfied by both *tap.Device and tap.NullTap.
type frameInjector interface {
	WriteFrame([]byte) error
}

// tapBridge adapts between link.FrameHandler (keyed by overlay MAC) and the
// TAP device (keyed by raw Ethernet frames), grounded on the original
// source's EthernetApplicationLayer dispatch contract documented in
// SPEC_FULL.md.
type tapBridge struct {
	link   *link.LinkLayer
	tap    frameInjector
	router *router.Router
	log    link.Logger
}

func newTapBridge(ll *link.LinkLayer, t frameInjector, rt *router.Router, logger link.Logger) *tapBridge {
	return &tapBridge{link: ll, tap: t, router: rt, log: logger}
}

// OnFrame is called by the link layer when a data_packet addressed to us
// decrypts successfully; the frame is a full Ethernet frame to inject into
// the OS TAP device.
func (b *tapBridge) OnFrame(src address.MAC, frame []byte) {
	if err := b.tap.WriteFrame(frame); err != nil {
		b.log.Warnln("tap: writing frame:", err)
	}
}

// OnSendFailed is called when a queued frame could not be delivered, per
// the send_failed notification of spec §4.4.5/§7.
func (b *tapBridge) OnSendFailed(dst address.MAC, frame []byte, reason error) {
	b.log.Debugln("send_failed to", dst, ":", reason)
}

// tapFrameReader adapts tapBridge to tap.FrameHandler: it reads a raw
// Ethernet frame off the host and forwards it into the overlay, keyed by
// its destination MAC, which sits in the frame's first 6 bytes.
type tapFrameReader struct {
	b *tapBridge
}

func (r tapFrameReader) OnFrame(frame []byte) {
	if len(frame) < 6 {
		return
	}
	var dest address.MAC
	copy(dest[:], frame[:6])
	r.b.link.SendFrame(dest, frame)
}

func newLogger(logto string) *log.Logger {
	var logger *log.Logger
	switch logto {
	case "stdout":
		logger = log.New(os.Stdout, "", log.Flags())
	case "syslog":
		if syslogger, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", version.BuildName()); err == nil {
			logger = log.New(syslogger, "", log.Flags()&^(log.Ldate|log.Ltime))
		}
	default:
		if logfd, err := os.OpenFile(logto, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			logger = log.New(logfd, "", log.Flags())
		}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.Flags())
		logger.Warnln("logging defaulting to stdout")
	}
	return logger
}

func setLogLevel(loglevel string, logger *log.Logger) {
	levels := [...]string{"error", "warn", "info", "debug", "trace"}
	loglevel = strings.ToLower(loglevel)

	contains := func() bool {
		for _, l := range levels {
			if l == loglevel {
				return true
			}
		}
		return false
	}

	if !contains() {
		logger.Infoln("loglevel parse failed, defaulting to info")
		loglevel = "info"
	}

	for _, l := range levels {
		logger.EnableLevel(l)
		if l == loglevel {
			break
		}
	}
}

// resolveHostPort parses "host[:port]", defaulting to defaultPort when no
// port is given, per spec §6's host[:port] flag convention.
func resolveHostPort(s string, defaultPort uint16) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		portStr = strconv.Itoa(int(defaultPort))
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolving %q: %w", host, err)
	}
	addr, ok := netip.AddrFromSlice(ips[0].To16())
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid address for %q", host)
	}
	addr = addr.Unmap()
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q", portStr)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

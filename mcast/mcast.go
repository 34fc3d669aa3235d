// Package mcast implements the UDP multicast transport shared by the
// broadcaster and every receiver: one class-D group carrying two channels,
// video frames on one port and control messages on the other.
package mcast

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Default wall multicast parameters. Unlike the original broadcast design
// this project was distilled from, TTL is pinned to 1: the wall is a single
// physical LAN segment and packets must never cross a router hop.
const (
	DefaultGroup       = "239.0.1.23"
	DefaultVideoPort   = 1234
	DefaultControlPort = 1235
	TTL                = 1

	// MaxDatagramSize is the largest payload a single UDP datagram on this
	// transport may carry; IPv4 UDP caps a datagram at 65,507 bytes of
	// payload once the 20-byte IP and 8-byte UDP headers are subtracted.
	MaxDatagramSize = 65507

	recvBufferSize = 4 * 1024 * 1024
)

// EndOfVideoSentinel is sent as the final video datagram's payload, letting
// receivers recognize the end of a video without relying on socket closure
// (multicast UDP has no connection to close).
var EndOfVideoSentinel = []byte("PIWALLGO_END_OF_VIDEO_SENTINEL_8f3c1a")

// Conn is one multicast UDP socket, opened either send-only (OpenSender, for
// the broadcaster) or receive-only (OpenReceiver, for anyone), scoped to one
// logical channel (video or control) of the wall's multicast group.
type Conn struct {
	log   *slog.Logger
	group *net.UDPAddr

	sendConn *net.UDPConn // nil if this Conn was opened receive-only
	recvConn *net.UDPConn // nil if this Conn was opened send-only
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	iface *net.Interface
}

// WithInterface pins the multicast send/receive path to a specific network
// interface, matching piwall2's practice of pinning to the wired interface
// rather than letting the OS pick a default multicast route.
func WithInterface(iface *net.Interface) Option {
	return func(c *openConfig) { c.iface = iface }
}

// OpenSender opens a send-only Conn on group:port. Multicast loopback is
// disabled so the broadcaster doesn't receive its own packets.
func OpenSender(group string, port int, logger *slog.Logger, opts ...Option) (*Conn, error) {
	cfg := applyOpts(opts)
	logger = withLogger(logger)

	addr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	laddr := &net.UDPAddr{Port: 0}
	conn, err := net.DialUDP("udp4", laddr, addr)
	if err != nil {
		return nil, fmt.Errorf("mcast: dial sender %s:%d: %w", group, port, err)
	}

	if err := setsockopt(conn, func(fd int) error {
		return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, TTL)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: set ttl: %w", err)
	}
	if err := setsockopt(conn, func(fd int) error {
		return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: disable loopback: %w", err)
	}
	if cfg.iface != nil {
		ifAddr, err := interfaceIPv4Addr(cfg.iface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("mcast: resolve interface %s: %w", cfg.iface.Name, err)
		}
		if err := setsockopt(conn, func(fd int) error {
			return unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, [4]byte(ifAddr.To4()))
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("mcast: set interface %s: %w", cfg.iface.Name, err)
		}
	}

	logger.Info("opened sender", "group", group, "port", port, "ttl", TTL)
	return &Conn{log: logger, group: addr, sendConn: conn}, nil
}

// OpenReceiver opens a receive-only Conn joined to group:port, with the
// kernel socket receive buffer raised to recvBufferSize so a slow consumer
// doesn't drop packets under a burst.
func OpenReceiver(group string, port int, logger *slog.Logger, opts ...Option) (*Conn, error) {
	cfg := applyOpts(opts)
	logger = withLogger(logger)

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("mcast: listen %s:%d: %w", group, port, err)
	}

	ifAddr := net.IPv4zero
	if cfg.iface != nil {
		resolved, err := interfaceIPv4Addr(cfg.iface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("mcast: resolve interface %s: %w", cfg.iface.Name, err)
		}
		ifAddr = resolved
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], net.ParseIP(group).To4())
	copy(mreq.Interface[:], ifAddr.To4())
	if err := setsockopt(conn, func(fd int) error {
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: join group %s: %w", group, err)
	}

	if err := raiseReceiveBuffer(conn, recvBufferSize); err != nil {
		logger.Warn("could not raise SO_RCVBUF", "error", err)
	}

	logger.Info("opened receiver", "group", group, "port", port)
	return &Conn{log: logger, group: &net.UDPAddr{IP: net.ParseIP(group), Port: port}, recvConn: conn}, nil
}

// Send writes payload as a single datagram to the group. Callers are
// responsible for chunking payloads larger than MaxDatagramSize before
// calling Send.
func (c *Conn) Send(payload []byte) error {
	if c.sendConn == nil {
		return fmt.Errorf("mcast: Send called on a receive-only Conn")
	}
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("mcast: payload of %d bytes exceeds max datagram size %d", len(payload), MaxDatagramSize)
	}
	_, err := c.sendConn.Write(payload)
	if err != nil {
		return fmt.Errorf("mcast: send: %w", err)
	}
	return nil
}

// Receive blocks until a datagram arrives or ctx is cancelled, returning the
// datagram's payload copied into buf[:n].
func (c *Conn) Receive(ctx context.Context, buf []byte) (int, error) {
	if c.recvConn == nil {
		return 0, fmt.Errorf("mcast: Receive called on a send-only Conn")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.recvConn.SetReadDeadline(deadline)
	} else {
		_ = c.recvConn.SetReadDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.recvConn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	n, _, err := c.recvConn.ReadFromUDP(buf)
	close(done)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("mcast: receive: %w", err)
	}
	return n, nil
}

// Close releases the underlying socket(s).
func (c *Conn) Close() error {
	var firstErr error
	if c.sendConn != nil {
		if err := c.sendConn.Close(); err != nil {
			firstErr = err
		}
	}
	if c.recvConn != nil {
		if err := c.recvConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Chunk splits payload into consecutive slices of at most maxSize bytes
// (MaxDatagramSize when maxSize is out of range). It adds no header or
// framing of its own: the chunks concatenate back to payload exactly.
func Chunk(payload []byte, maxSize int) [][]byte {
	if maxSize <= 0 || maxSize > MaxDatagramSize {
		maxSize = MaxDatagramSize
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := maxSize
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

func applyOpts(opts []Option) openConfig {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func withLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "mcast")
}

// raiseReceiveBuffer asks the kernel for a larger SO_RCVBUF than Go's net
// package requests by default, matching piwall2's sysctl-free buffer tuning
// via setsockopt directly.
func raiseReceiveBuffer(conn *net.UDPConn, size int) error {
	return setsockopt(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
}

// setsockopt runs fn against conn's raw file descriptor, translating the
// SyscallConn plumbing error and fn's own error into a single return value.
func setsockopt(conn *net.UDPConn, fn func(fd int) error) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var fnErr error
	err = sc.Control(func(fd uintptr) {
		fnErr = fn(int(fd))
	})
	if err != nil {
		return err
	}
	return fnErr
}

// interfaceIPv4Addr returns the first IPv4 address bound to iface.
func interfaceIPv4Addr(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", iface.Name)
}

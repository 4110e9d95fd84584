package sniffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/sys/unix"

	"github.com/saphalpdyl/aether/internal/engine"
)

// Config configures the relay sniffer.
type Config struct {
	BNGID        string
	ClientIface  string
	UplinkIface  string
	RelayAgentIP netip.Addr
	ServerAddrs  []netip.AddrPort

	// BackpressureWarn is how long a blocked send to the engine channel
	// waits before it is logged as backpressure (it keeps blocking after).
	BackpressureWarn time.Duration
}

// Sniffer owns the raw capture sockets and the relay forwarding sockets.
// Run restarts the capture loops with backoff on unexpected exit;
// decode errors never halt capture.
type Sniffer struct {
	cfg    Config
	logger *slog.Logger

	clientTap *afpacket.TPacket
	uplinkTap *afpacket.TPacket

	uplinkSock *net.UDPConn // sends relayed requests to the server(s)
	replySock  *net.UDPConn // bound :67 on uplink, receives server replies
	downSock   *net.UDPConn // sends relayed replies toward clients
}

// New opens the capture and forwarding sockets. Requires CAP_NET_RAW.
func New(cfg Config, logger *slog.Logger) (*Sniffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackpressureWarn == 0 {
		cfg.BackpressureWarn = 500 * time.Millisecond
	}

	clientTap, err := afpacket.NewTPacket(afpacket.OptInterface(cfg.ClientIface), afpacket.OptPollTimeout(time.Second))
	if err != nil {
		return nil, fmt.Errorf("open client-facing tap on %s: %w", cfg.ClientIface, err)
	}

	uplinkTap, err := afpacket.NewTPacket(afpacket.OptInterface(cfg.UplinkIface), afpacket.OptPollTimeout(time.Second))
	if err != nil {
		clientTap.Close()
		return nil, fmt.Errorf("open uplink-facing tap on %s: %w", cfg.UplinkIface, err)
	}

	uplinkSock, err := bindToDevice(cfg.UplinkIface, 0)
	if err != nil {
		clientTap.Close()
		uplinkTap.Close()
		return nil, fmt.Errorf("open uplink forwarding socket: %w", err)
	}

	replySock, err := bindToDevice(cfg.UplinkIface, dhcpServerPort)
	if err != nil {
		clientTap.Close()
		uplinkTap.Close()
		uplinkSock.Close()
		return nil, fmt.Errorf("open uplink reply socket: %w", err)
	}

	downSock, err := bindToDevice(cfg.ClientIface, dhcpServerPort)
	if err != nil {
		clientTap.Close()
		uplinkTap.Close()
		uplinkSock.Close()
		replySock.Close()
		return nil, fmt.Errorf("open client-facing forwarding socket: %w", err)
	}

	return &Sniffer{
		cfg:        cfg,
		logger:     logger,
		clientTap:  clientTap,
		uplinkTap:  uplinkTap,
		uplinkSock: uplinkSock,
		replySock:  replySock,
		downSock:   downSock,
	}, nil
}

// Close releases every socket the sniffer holds.
func (s *Sniffer) Close() {
	s.clientTap.Close()
	s.uplinkTap.Close()
	s.uplinkSock.Close()
	s.replySock.Close()
	s.downSock.Close()
}

// Run drives the three capture/relay loops until ctx is cancelled. Each
// loop is independently restarted with backoff if it exits unexpectedly.
func (s *Sniffer) Run(ctx context.Context, out chan<- engine.DHCPEvent) error {
	done := make(chan struct{})
	go s.superviseLoop(ctx, done, "client-tap", func(ctx context.Context) error {
		return s.runClientTapLoop(ctx, out)
	})
	go s.superviseLoop(ctx, done, "uplink-tap", func(ctx context.Context) error {
		return s.runUplinkTapLoop(ctx, out)
	})
	go s.superviseLoop(ctx, done, "reply-sock", func(ctx context.Context) error {
		return s.runReplySockLoop(ctx, out)
	})

	<-ctx.Done()
	<-done
	<-done
	<-done
	return ctx.Err()
}

// superviseLoop restarts fn after a short backoff whenever it returns a
// non-context error, and signals done exactly once when ctx is cancelled.
func (s *Sniffer) superviseLoop(ctx context.Context, done chan<- struct{}, name string, fn func(context.Context) error) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			done <- struct{}{}
			return
		}
		s.logger.Error("capture loop exited, restarting", slog.String("loop", name), slog.Any("error", err), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			done <- struct{}{}
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runClientTapLoop observes client->server traffic on the client-facing
// tap, emits a decoded record for the engine, rewrites Option 82, and
// relays accepted requests to the server(s).
func (s *Sniffer) runClientTapLoop(ctx context.Context, out chan<- engine.DHCPEvent) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, _, err := s.clientTap.ReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			return fmt.Errorf("read client tap: %w", err)
		}

		rec, err := decodeEthernetFrame(frame)
		if err != nil {
			s.logger.Debug("drop client frame", slog.Any("reason", err))
			continue
		}
		if rec.DstPort != dhcpServerPort {
			continue
		}

		if ev, ok := recordToEvent(rec, time.Now()); ok {
			s.emit(ctx, out, ev)
		}

		if !hasAccessRelayContext(rec) {
			s.logger.Warn("drop client packet: no option 82 from access relay")
			continue
		}

		localGiaddr := net.IP(s.cfg.RelayAgentIP.AsSlice())
		rewriteForServer(rec.Msg, s.cfg.BNGID, localGiaddr)

		s.forwardToServers(rec.Msg)
	}
}

// runUplinkTapLoop observes server->relay traffic not destined to a local
// IP on the uplink tap (the raw capture catches replies an ordinary UDP
// socket would miss because they target the access relay's giaddr, not
// this host).
func (s *Sniffer) runUplinkTapLoop(ctx context.Context, out chan<- engine.DHCPEvent) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, _, err := s.uplinkTap.ReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			return fmt.Errorf("read uplink tap: %w", err)
		}

		rec, err := decodeEthernetFrame(frame)
		if err != nil {
			s.logger.Debug("drop uplink frame", slog.Any("reason", err))
			continue
		}
		if rec.SrcPort != dhcpServerPort {
			continue
		}

		if ev, ok := recordToEvent(rec, time.Now()); ok {
			s.emit(ctx, out, ev)
		}
		s.forwardToDownstream(rec.Msg)
	}
}

// runReplySockLoop reads server replies arriving on the bound UDP :67
// socket (the common case when the DHCP server unicasts straight back to
// this host rather than broadcasting on the wire).
func (s *Sniffer) runReplySockLoop(ctx context.Context, out chan<- engine.DHCPEvent) error {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = s.replySock.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.replySock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read reply socket: %w", err)
		}

		rec, err := decodeUDPPayload(buf[:n], dhcpServerPort, dhcpServerPort)
		if err != nil {
			s.logger.Debug("drop reply datagram", slog.Any("reason", err))
			continue
		}

		if ev, ok := recordToEvent(rec, time.Now()); ok {
			s.emit(ctx, out, ev)
		}
		s.forwardToDownstream(rec.Msg)
	}
}

// emit delivers ev to the engine's inbox, blocking with a deadline:
// events are never dropped silently, but a stuck engine is
// logged as backpressure rather than causing the sniffer to stall
// forever.
func (s *Sniffer) emit(ctx context.Context, out chan<- engine.DHCPEvent, ev engine.DHCPEvent) {
	select {
	case out <- ev:
		return
	default:
	}

	timer := time.NewTimer(s.cfg.BackpressureWarn)
	defer timer.Stop()

	select {
	case out <- ev:
	case <-timer.C:
		s.logger.Warn("engine inbox backpressure, still waiting to deliver event")
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

// forwardToServers sends a rewritten client request to every configured
// DHCP server address.
func (s *Sniffer) forwardToServers(msg *dhcpv4.DHCPv4) {
	payload := msg.ToBytes()
	for _, addr := range s.cfg.ServerAddrs {
		if _, err := s.uplinkSock.WriteToUDP(payload, net.UDPAddrFromAddrPort(addr)); err != nil {
			s.logger.Warn("forward to server failed", slog.String("server", addr.String()), slog.Any("error", err))
		}
	}
}

// forwardToDownstream relays a server reply toward the access relay
// (unicast to giaddr:67) or broadcasts it to clients (255.255.255.255:68)
// when no relay is in the path.
func (s *Sniffer) forwardToDownstream(msg *dhcpv4.DHCPv4) {
	payload := msg.ToBytes()

	if !giaddrIsUnset(msg.GatewayIPAddr) {
		giaddr, ok := netip.AddrFromSlice(msg.GatewayIPAddr.To4())
		if ok {
			dst := netip.AddrPortFrom(giaddr, dhcpServerPort)
			if _, err := s.downSock.WriteToUDP(payload, net.UDPAddrFromAddrPort(dst)); err != nil {
				s.logger.Warn("forward to relay giaddr failed", slog.String("giaddr", giaddr.String()), slog.Any("error", err))
			}
			return
		}
	}

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpClientPort}
	if _, err := s.downSock.WriteToUDP(payload, broadcast); err != nil {
		s.logger.Warn("broadcast to clients failed", slog.Any("error", err))
	}
}

// bindToDevice opens a UDP socket bound to port on the given interface's
// address (SO_BINDTODEVICE + SO_REUSEADDR + SO_BROADCAST).
func bindToDevice(ifName string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				intFD := int(fd)
				if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptString(intFD, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected connection type from ListenPacket")
	}
	return conn, nil
}

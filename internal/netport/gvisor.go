package netport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	gvisorNICID tcpip.NICID = 1

	// gvisorQueueDepth is the number of outbound frames the stack may queue
	// before the port drains them.
	gvisorQueueDepth = 1024
)

// GvisorConfig configures a userspace IPv4 host attached to a port.
type GvisorConfig struct {
	// MAC is the host's own link address.
	MAC net.HardwareAddr
	// Address is the host's IPv4 address and subnet.
	Address netip.Prefix
	// Gateway, when valid, becomes the default route.
	Gateway netip.Addr
	// EchoPort, when non-zero, runs a UDP echo service on that port.
	EchoPort uint16
	// MTU is the IP MTU. Zero selects 1500.
	MTU    uint32
	Logger *slog.Logger
}

// Gvisor is a Link backed by a gVisor network stack. The stack answers ARP
// and ICMP echo for its address and optionally echoes UDP datagrams.
type Gvisor struct {
	cfg   GvisorConfig
	log   *slog.Logger
	stack *stack.Stack
	ch    *channel.Endpoint
	echo  *gonet.UDPConn
}

// NewGvisor creates the stack. Frames leave it through Run.
func NewGvisor(cfg GvisorConfig) (*Gvisor, error) {
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("netport: gvisor MAC must be 6 bytes, got %d", len(cfg.MAC))
	}
	if !cfg.Address.IsValid() || !cfg.Address.Addr().Is4() {
		return nil, fmt.Errorf("netport: gvisor address %v is not an IPv4 prefix", cfg.Address)
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// channel.Endpoint's MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// header to get the IP MTU.
	ch := channel.New(gvisorQueueDepth, cfg.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.MAC)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := s.CreateNIC(gvisorNICID, ethernet.New(ch)); err != nil {
		s.Close()
		return nil, fmt.Errorf("netport: gvisor create NIC: %v", err)
	}
	if err := s.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom(cfg.Address.Addr()),
			PrefixLen: cfg.Address.Bits(),
		},
	}, stack.AddressProperties{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("netport: gvisor add address %v: %v", cfg.Address, err)
	}

	subnet, err := tcpip.NewSubnet(
		addrFrom(cfg.Address.Masked().Addr()),
		tcpip.MaskFromBytes(net.CIDRMask(cfg.Address.Bits(), 32)),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("netport: gvisor subnet %v: %w", cfg.Address, err)
	}
	routes := []tcpip.Route{{Destination: subnet, NIC: gvisorNICID}}
	if cfg.Gateway.IsValid() {
		routes = append(routes, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     addrFrom(cfg.Gateway),
			NIC:         gvisorNICID,
		})
	}
	s.SetRouteTable(routes)

	g := &Gvisor{cfg: cfg, log: logger, stack: s, ch: ch}
	if cfg.EchoPort != 0 {
		conn, err := gonet.DialUDP(s, &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: addrFrom(cfg.Address.Addr()),
			Port: cfg.EchoPort,
		}, nil, ipv4.ProtocolNumber)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("netport: gvisor udp echo on %d: %w", cfg.EchoPort, err)
		}
		g.echo = conn
	}
	return g, nil
}

// MAC returns the stack's link address.
func (g *Gvisor) MAC() net.HardwareAddr { return append(net.HardwareAddr(nil), g.cfg.MAC...) }

// Addr returns the stack's IPv4 address.
func (g *Gvisor) Addr() netip.Addr { return g.cfg.Address.Addr() }

// Stack exposes the underlying gVisor stack.
func (g *Gvisor) Stack() *stack.Stack { return g.stack }

// AddNeighbor installs a static ARP entry.
func (g *Gvisor) AddNeighbor(ip netip.Addr, mac net.HardwareAddr) error {
	if err := g.stack.AddStaticNeighbor(gvisorNICID, ipv4.ProtocolNumber, addrFrom(ip), tcpip.LinkAddress(string(mac))); err != nil {
		return fmt.Errorf("netport: gvisor neighbor %v: %v", ip, err)
	}
	return nil
}

// Transmit implements Link: the frame enters the stack as if received on
// its wire.
func (g *Gvisor) Transmit(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("netport: gvisor runt frame of %d bytes", len(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet endpoint parses the link header itself and ignores the
	// protocol argument.
	g.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

func (g *Gvisor) Ready() bool { return true }

// Run implements Source.
func (g *Gvisor) Run(ctx context.Context, deliver func(frame []byte)) error {
	if g.echo != nil {
		go g.serveEcho(ctx)
	}
	for {
		pkt := g.ch.ReadContext(ctx)
		if pkt == nil {
			return nil
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		deliver(frame)
	}
}

func (g *Gvisor) serveEcho(ctx context.Context) {
	go func() {
		<-ctx.Done()
		g.echo.Close()
	}()
	buf := make([]byte, 65536)
	for {
		n, from, err := g.echo.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				g.log.Warn("netport: gvisor udp echo read failed", "err", err)
			}
			return
		}
		if _, err := g.echo.WriteTo(buf[:n], from); err != nil {
			g.log.Warn("netport: gvisor udp echo write failed", "peer", from, "err", err)
		}
	}
}

// Close releases the stack.
func (g *Gvisor) Close() error {
	if g.echo != nil {
		g.echo.Close()
	}
	g.ch.Close()
	g.stack.Close()
	return nil
}

func addrFrom(ip netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(ip.As4())
}

var (
	_ Link   = (*Gvisor)(nil)
	_ Source = (*Gvisor)(nil)
)

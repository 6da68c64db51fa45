package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/enet/internal/board"
	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/enetdrv"
	"github.com/tinyrange/enet/internal/netport"
)

const (
	// testEtherType is the IEEE local experimental EtherType.
	testEtherType tcpip.NetworkProtocolNumber = 0x88b5

	// minFrameSize holds the Ethernet header and a sequence number.
	minFrameSize = header.EthernetMinimumSize + 4

	echoSourcePort = 40000
)

type selfTest struct {
	m   *board.Machine
	drv *enetdrv.Driver
	cfg board.Config
	out io.Writer
	log *slog.Logger

	irqSeen uint64
	// backlog holds frames polled while waiting for something else.
	backlog []enetdrv.Frame
}

func (s *selfTest) run(ctx context.Context, frames, size int) error {
	for port := 0; port < enet.NumPorts; port++ {
		pc := s.cfg.Ports[port]
		var err error
		switch pc.Kind {
		case board.PortCable:
			err = s.exchange(ctx, port, 1-port, frames, size)
		case board.PortLoopback:
			err = s.exchange(ctx, port, port, frames, size)
		case board.PortGvisor:
			err = s.gvisor(ctx, port, pc)
		default:
			err = s.exchange(ctx, port, -1, frames, size)
		}
		if err != nil {
			return fmt.Errorf("port %d (%s): %w", port, pc.Kind, err)
		}
	}

	rx, tx, err := s.drv.Dropped()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "dropped: rx=%d tx=%d, interrupts=%d\n", rx, tx, s.m.Interrupts().Edges(s.m.IRQ()))
	return nil
}

// exchange sends frames on port and checks that each arrives intact on
// want. A negative want only checks the transmit side.
func (s *selfTest) exchange(ctx context.Context, port, want, frames, size int) error {
	src, err := s.portMAC(ctx, port)
	if err != nil {
		return err
	}
	received := 0
	for seq := 0; seq < frames; seq++ {
		frame := testFrame(src, uint32(seq), size)
		if err := s.send(ctx, port, frame); err != nil {
			return err
		}
		if want < 0 {
			continue
		}
		f, err := s.next(ctx, func(f enetdrv.Frame) bool { return isTestFrame(f.Data) })
		if err != nil {
			return fmt.Errorf("frame %d: %w", seq, err)
		}
		if f.Port != want {
			return fmt.Errorf("frame %d arrived on port %d", seq, f.Port)
		}
		if !f.FCSValid {
			return fmt.Errorf("frame %d: bad FCS", seq)
		}
		if !bytes.Equal(f.Data, frame) {
			return fmt.Errorf("frame %d: payload mismatch", seq)
		}
		received++
	}
	if err := s.drain(ctx); err != nil {
		return err
	}
	if want < 0 {
		fmt.Fprintf(s.out, "port %d: sent %d frames of %d bytes\n", port, frames, size)
	} else {
		fmt.Fprintf(s.out, "port %d -> port %d: %d/%d frames of %d bytes ok\n", port, want, received, frames, size)
	}
	return nil
}

// gvisor resolves the host stack's address, then bounces a datagram off its
// echo service when one is configured.
func (s *selfTest) gvisor(ctx context.Context, port int, pc board.PortConfig) error {
	host := s.m.Link(port).(*netport.Gvisor)
	mac, err := s.portMAC(ctx, port)
	if err != nil {
		return err
	}
	prefix, err := netip.ParsePrefix(pc.Address)
	if err != nil {
		return err
	}
	guest := prefix.Addr().Next()
	if guest == host.Addr() || !prefix.Contains(guest) {
		return fmt.Errorf("no free address next to %s", prefix)
	}

	if err := s.send(ctx, port, netport.ARPRequest(mac, guest, host.Addr())); err != nil {
		return err
	}
	f, err := s.next(ctx, func(f enetdrv.Frame) bool {
		arp, ok := netport.ParseARP(f.Data)
		return ok && arp.Reply && arp.SenderIP == host.Addr()
	})
	if err != nil {
		return fmt.Errorf("arp: %w", err)
	}
	arp, _ := netport.ParseARP(f.Data)
	fmt.Fprintf(s.out, "port %d: %s is-at %s\n", port, arp.SenderIP, arp.SenderMAC)

	if pc.EchoPort == 0 {
		return nil
	}
	req := netport.UDPDatagram{
		SrcMAC:  mac,
		DstMAC:  arp.SenderMAC,
		Src:     netip.AddrPortFrom(guest, echoSourcePort),
		Dst:     netip.AddrPortFrom(host.Addr(), pc.EchoPort),
		Payload: []byte(fmt.Sprintf("enet self-test port %d", port)),
	}
	if err := s.send(ctx, port, req.Frame()); err != nil {
		return err
	}
	f, err = s.next(ctx, func(f enetdrv.Frame) bool {
		// The stack may ask who we are before answering.
		if q, ok := netport.ParseARP(f.Data); ok && !q.Reply && q.TargetIP == guest {
			if err := s.send(ctx, port, netport.ARPReply(q, mac)); err != nil {
				s.log.Warn("self-test: arp reply failed", "err", err)
			}
			return false
		}
		d, ok := netport.ParseUDP(f.Data)
		return ok && d.Dst == req.Src
	})
	if err != nil {
		return fmt.Errorf("udp echo: %w", err)
	}
	reply, _ := netport.ParseUDP(f.Data)
	if !bytes.Equal(reply.Payload, req.Payload) {
		return fmt.Errorf("udp echo returned %q", reply.Payload)
	}
	fmt.Fprintf(s.out, "port %d: udp echo from %s ok\n", port, reply.Src)
	return nil
}

func (s *selfTest) portMAC(ctx context.Context, port int) (net.HardwareAddr, error) {
	var mac net.HardwareAddr
	err := s.m.Do(ctx, func() { mac = s.m.NIC().PortMAC(port) })
	return mac, err
}

// send queues a frame, waiting for TX slots while the ring is full.
func (s *selfTest) send(ctx context.Context, port int, frame []byte) error {
	for {
		err := s.drv.Send(port, frame)
		if !errors.Is(err, enetdrv.ErrTxRingFull) {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
		if err := s.poll(); err != nil {
			return err
		}
	}
}

// next returns the first received frame accepted by match. Frames it
// rejects are discarded.
func (s *selfTest) next(ctx context.Context, match func(enetdrv.Frame) bool) (enetdrv.Frame, error) {
	for {
		if err := s.poll(); err != nil {
			return enetdrv.Frame{}, err
		}
		for len(s.backlog) > 0 {
			f := s.backlog[0]
			s.backlog = s.backlog[1:]
			if match(f) {
				return f, nil
			}
			s.log.Debug("self-test: skipping frame", "port", f.Port, "len", len(f.Data))
		}
		if err := s.wait(ctx); err != nil {
			return enetdrv.Frame{}, err
		}
	}
}

func (s *selfTest) poll() error {
	frames, err := s.drv.Poll()
	s.backlog = append(s.backlog, frames...)
	return err
}

// drain waits for every queued descriptor to be sent.
func (s *selfTest) drain(ctx context.Context) error {
	for {
		pending, err := s.drv.TxPending()
		if err != nil || pending == 0 {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *selfTest) wait(ctx context.Context) error {
	seen, err := s.m.Interrupts().Wait(ctx, s.m.IRQ(), s.irqSeen)
	if err != nil {
		return err
	}
	s.irqSeen = seen
	_, err = s.drv.AckInterrupts()
	return err
}

func testFrame(src net.HardwareAddr, seq uint32, size int) []byte {
	frame := make([]byte, size)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(string(src)),
		DstAddr: tcpip.LinkAddress(string(netport.BroadcastMAC)),
		Type:    testEtherType,
	})
	payload := frame[header.EthernetMinimumSize:]
	binary.BigEndian.PutUint32(payload, seq)
	for i := 4; i < len(payload); i++ {
		payload[i] = byte(seq) + byte(i)
	}
	return frame
}

func isTestFrame(frame []byte) bool {
	return len(frame) >= minFrameSize && header.Ethernet(frame).Type() == testEtherType
}

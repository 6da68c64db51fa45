package netport

import (
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// BroadcastMAC is the all-ones link address.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ARP is a decoded IPv4-over-Ethernet ARP packet.
type ARP struct {
	Reply     bool
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// ARPRequest builds a broadcast who-has frame for target.
func ARPRequest(srcMAC net.HardwareAddr, srcIP, target netip.Addr) []byte {
	return arpFrame(header.ARPRequest, srcMAC, srcIP, BroadcastMAC, target)
}

// ARPReply builds the is-at answer to req from mac.
func ARPReply(req ARP, mac net.HardwareAddr) []byte {
	return arpFrame(header.ARPReply, mac, req.TargetIP, req.SenderMAC, req.SenderIP)
}

func arpFrame(op header.ARPOp, srcMAC net.HardwareAddr, srcIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(string(srcMAC)),
		DstAddr: tcpip.LinkAddress(string(dstMAC)),
		Type:    header.ARPProtocolNumber,
	})
	h := header.ARP(frame[header.EthernetMinimumSize:])
	h.SetIPv4OverEthernet()
	h.SetOp(op)
	copy(h.HardwareAddressSender(), srcMAC)
	src4, dst4 := srcIP.As4(), dstIP.As4()
	copy(h.ProtocolAddressSender(), src4[:])
	if op == header.ARPReply {
		copy(h.HardwareAddressTarget(), dstMAC)
	}
	copy(h.ProtocolAddressTarget(), dst4[:])
	return frame
}

// ParseARP decodes an ARP frame.
func ParseARP(frame []byte) (ARP, bool) {
	if len(frame) < header.EthernetMinimumSize+header.ARPSize {
		return ARP{}, false
	}
	if header.Ethernet(frame).Type() != header.ARPProtocolNumber {
		return ARP{}, false
	}
	h := header.ARP(frame[header.EthernetMinimumSize:])
	if !h.IsValid() {
		return ARP{}, false
	}
	sender, _ := netip.AddrFromSlice(h.ProtocolAddressSender())
	target, _ := netip.AddrFromSlice(h.ProtocolAddressTarget())
	return ARP{
		Reply:     h.Op() == header.ARPReply,
		SenderMAC: append(net.HardwareAddr(nil), h.HardwareAddressSender()...),
		SenderIP:  sender,
		TargetMAC: append(net.HardwareAddr(nil), h.HardwareAddressTarget()...),
		TargetIP:  target,
	}, true
}

// UDPDatagram is the addressing and payload of an IPv4 UDP frame.
type UDPDatagram struct {
	SrcMAC, DstMAC net.HardwareAddr
	Src, Dst       netip.AddrPort
	Payload        []byte
}

// Frame encodes d as an Ethernet frame. The UDP checksum is left zero,
// which IPv4 receivers treat as absent.
func (d UDPDatagram) Frame() []byte {
	const hdrs = header.EthernetMinimumSize + header.IPv4MinimumSize + header.UDPMinimumSize
	frame := make([]byte, hdrs+len(d.Payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(string(d.SrcMAC)),
		DstAddr: tcpip.LinkAddress(string(d.DstMAC)),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + len(d.Payload)),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     addrFrom(d.Src.Addr()),
		DstAddr:     addrFrom(d.Dst.Addr()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(ip[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: d.Src.Port(),
		DstPort: d.Dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(d.Payload)),
	})
	copy(udp.Payload(), d.Payload)
	return frame
}

// ParseUDP decodes an IPv4 UDP frame.
func ParseUDP(frame []byte) (UDPDatagram, bool) {
	if len(frame) < header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize {
		return UDPDatagram{}, false
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		return UDPDatagram{}, false
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) || ip.TransportProtocol() != header.UDPProtocolNumber {
		return UDPDatagram{}, false
	}
	payload := ip.Payload()
	if len(payload) < header.UDPMinimumSize {
		return UDPDatagram{}, false
	}
	udp := header.UDP(payload)
	srcAddr, dstAddr := ip.SourceAddress(), ip.DestinationAddress()
	src, _ := netip.AddrFromSlice(srcAddr.AsSlice())
	dst, _ := netip.AddrFromSlice(dstAddr.AsSlice())
	return UDPDatagram{
		SrcMAC:  append(net.HardwareAddr(nil), eth.SourceAddress()...),
		DstMAC:  append(net.HardwareAddr(nil), eth.DestinationAddress()...),
		Src:     netip.AddrPortFrom(src, udp.SourcePort()),
		Dst:     netip.AddrPortFrom(dst, udp.DestinationPort()),
		Payload: append([]byte(nil), udp.Payload()...),
	}, true
}

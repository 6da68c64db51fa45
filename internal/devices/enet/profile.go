package enet

import "fmt"

// Profile selects how the destination port of a transmitted frame and the
// arrival port of a received frame are encoded.
type Profile uint8

const (
	// ProfileControlBit carries the TX destination in descriptor control bit
	// 29 and reports the RX arrival port in bit 16 of the status word. RX
	// buffers hold the payload followed by the FCS.
	ProfileControlBit Profile = iota

	// ProfileTrailingByte takes the TX destination from the last staged byte,
	// which is not transmitted. RX buffers hold the payload, one port byte,
	// then the FCS, and the status word carries no port.
	ProfileTrailingByte
)

func (p Profile) String() string {
	switch p {
	case ProfileControlBit:
		return "control-bit"
	case ProfileTrailingByte:
		return "trailing-byte"
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

// ParseProfile parses the names returned by Profile.String.
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "", "control-bit":
		return ProfileControlBit, nil
	case "trailing-byte":
		return ProfileTrailingByte, nil
	}
	return 0, fmt.Errorf("enet: unknown wire profile %q (want control-bit or trailing-byte)", s)
}

// Set implements flag.Value.
func (p *Profile) Set(s string) error {
	v, err := ParseProfile(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Profile) valid() bool {
	return p == ProfileControlBit || p == ProfileTrailingByte
}

// RxFootprint is the number of guest buffer bytes a received payload of n
// bytes occupies.
func (p Profile) RxFootprint(n int) int {
	if p == ProfileTrailingByte {
		return n + 1 + FCSSize
	}
	return n + FCSSize
}

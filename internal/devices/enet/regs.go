package enet

// Register offsets inside the MMIO window.
const (
	regMAC1               = 0x000 // station address bytes 0..3 (R)
	regMAC2               = 0x004 // station address bytes 4..5 (R)
	regCommand            = 0x100 // trigger bits, see cmd* (W)
	regControl            = 0x104 // persistent enables, see ctl* (RW)
	regRxDescriptor       = 0x108 // guest address of the RX descriptor array (RW)
	regRxStatus           = 0x10C // guest address of the RX status array (RW)
	regRxDescriptorNumber = 0x110 // RX ring slots minus one (RW)
	regRxProduceIndex     = 0x114 // next slot the device fills (R)
	regRxConsumeIndex     = 0x118 // next slot the driver drains (R)
	regTxDescriptor       = 0x11C // guest address of the TX descriptor array (RW)
	regTxStatus           = 0x120 // guest address of the TX status array (RW)
	regTxDescriptorNumber = 0x124 // TX ring slots minus one (RW)
	regTxProduceIndex     = 0x128 // next slot the driver fills (R)
	regTxConsumeIndex     = 0x12C // next slot the device sends (R)
	regRxDropped          = 0x130 // frames dropped by the receive engine (R)
	regTxDropped          = 0x134 // frames dropped by the transmit engine (R)
	regIntStatus          = 0xFE0 // pending interrupt causes (R)
	regIntEnable          = 0xFE4 // enabled interrupt causes (RW)
	regIntClear           = 0xFE8 // clears the written cause bits (W)
)

// Exported offsets for drivers living outside the package.
const (
	RegMAC1               = regMAC1
	RegMAC2               = regMAC2
	RegCommand            = regCommand
	RegControl            = regControl
	RegRxDescriptor       = regRxDescriptor
	RegRxStatus           = regRxStatus
	RegRxDescriptorNumber = regRxDescriptorNumber
	RegRxProduceIndex     = regRxProduceIndex
	RegRxConsumeIndex     = regRxConsumeIndex
	RegTxDescriptor       = regTxDescriptor
	RegTxStatus           = regTxStatus
	RegTxDescriptorNumber = regTxDescriptorNumber
	RegTxProduceIndex     = regTxProduceIndex
	RegTxConsumeIndex     = regTxConsumeIndex
	RegRxDropped          = regRxDropped
	RegTxDropped          = regTxDropped
	RegIntStatus          = regIntStatus
	RegIntEnable          = regIntEnable
	RegIntClear           = regIntClear
)

// COMMAND register bits.
const (
	CmdRxConsumed = 1 << 0
	CmdTxProduced = 1 << 1
	CmdReset      = 1 << 3
	CmdResetTx    = 1 << 4
	CmdResetRx    = 1 << 5
)

// CONTROL register bits.
const (
	CtlRxEnable = 1 << 0
	CtlTxEnable = 1 << 1
)

// Interrupt cause bits shared by INT_STATUS, INT_ENABLE and INT_CLEAR.
const (
	IntRxError   = 1 << 2
	IntRxDone    = 1 << 3
	IntTxError   = 1 << 6
	IntTxDone    = 1 << 7
	IntTxOverrun = 1 << 24

	intRxCauses = IntRxError | IntRxDone
	intTxCauses = IntTxError | IntTxDone | IntTxOverrun
)

const (
	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x4000

	// NumPorts is the number of physical Ethernet ports behind one window.
	NumPorts = 2

	// TxStagingSize bounds the frame assembled from TX descriptors.
	TxStagingSize = 2048 + 4

	// FCSSize is the length of the CRC-32 frame check sequence.
	FCSSize = 4
)

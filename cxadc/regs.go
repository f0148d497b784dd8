package cxadc

// Register offsets of the CX2388x, as named in the datasheet (cx88-reg.h).
// Offsets are byte addresses into BAR0.
const (
	RegDevCntrl2   uint32 = 0x200034 // Device control
	RegPCIIntMsk   uint32 = 0x200040 // PCI interrupt mask
	RegPCIIntStat  uint32 = 0x200044 // PCI interrupt status
	RegVidIntMsk   uint32 = 0x200050 // Video interrupt mask
	RegVidIntStat  uint32 = 0x200054 // Video interrupt status (write 1 to clear)
	RegDMA24Ptr2   uint32 = 0x30004C // Channel 24 CDT pointer
	RegDMA24Cnt1   uint32 = 0x30008C // Channel 24 cluster size in qwords - 1
	RegDMA24Cnt2   uint32 = 0x3000CC // Channel 24 CDT size in qwords
	RegInputFormat uint32 = 0x310104
	RegContrBright uint32 = 0x310110
	RegOutFormat   uint32 = 0x310164
	RegPLL         uint32 = 0x310168
	RegSConv       uint32 = 0x310170 // Sample rate converter
	RegCaptureCtrl uint32 = 0x310180
	RegColorCtrl   uint32 = 0x310184
	RegVBIPacket   uint32 = 0x310188
	RegAGCBackVBI  uint32 = 0x310200
	RegAGCSyncTip1 uint32 = 0x310204
	RegAGCSyncTip2 uint32 = 0x310208
	RegAGCSyncTip3 uint32 = 0x31020C
	RegAGCGainAdj1 uint32 = 0x310210
	RegAGCGainAdj3 uint32 = 0x310218
	RegAGCGainAdj4 uint32 = 0x31021C
	RegAGCSyncSlc  uint32 = 0x310220
	RegVBIGPCnt    uint32 = 0x31C02C // VBI general purpose counter (pages)
	RegVidDMACntrl uint32 = 0x31C040
	RegGP0IO       uint32 = 0x350010
	RegGP1IO       uint32 = 0x350014
	RegGP3IO       uint32 = 0x35001C
	RegAFECfgIO    uint32 = 0x35C04C
	RegI2C         uint32 = 0x368000
)

// SRAM layout used for channel 24 (VBI).
const (
	SRAMBase          uint32 = 0x180000
	SRAMCDTBase       uint32 = SRAMBase + 0x1000
	SRAMRISCQueue     uint32 = SRAMBase + 0x800
	SRAMClusterBase   uint32 = SRAMBase + 0x4000
	Chan24CmdsBase    uint32 = 0x180100
	NumClusterBuffers        = 8
)

// Video interrupt status bits.
const (
	IntVBIRISC1 uint32 = 1 << 3 // RISC IRQ1 on the VBI channel

	// IntMask selects the status bits the driver listens to: the VBI RISC
	// interrupt plus the error bits that indicate a hardware anomaly.
	IntMask uint32 = 0x18888
)

const (
	devCntrl2RunRISC    uint32 = 1 << 5
	vidDMACntrlFIFOEn   uint32 = 1 << 3
	vidDMACntrlRISCEn   uint32 = 1 << 7
	captureCtrlRaw      uint32 = (1 << 6) | (3 << 1)
	captureCtrlWide     uint32 = 1 << 5
	sconvUnity          uint32 = 131072
	pllUnity            uint32 = 0x11000000
	pllTenFsc           uint32 = 0x01400000
	agcGainAdj4Template uint32 = (1 << 23) | (0xff << 8)
)

// Registers is register-level access to a card's BAR0.
// Implementations must be safe for concurrent use since the interrupt
// handler and control calls run concurrently.
type Registers interface {
	Read32(reg uint32) uint32
	Write32(reg, val uint32)
}

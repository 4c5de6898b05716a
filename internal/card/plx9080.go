package card

import "github.com/superdarn/timingd/internal/hw"

// PLX 9080 DMA channel 1 registers, relative to the bus-master window.
const (
	plxDMAMode1 = 0x94
	plxDMAPADR1 = 0x98
	plxDMALADR1 = 0x9C
	plxDMASIZ1  = 0xA0
	plxDMADPR1  = 0xA4
	plxDMACSR1  = 0xA9
)

const (
	// 32-bit local bus, constant local address, done interrupt
	plxModeFIFO = 0x00000801
	// local address of the PCI-7300A output FIFO
	plxFIFOAddr = 0x14

	plxCSRClear  = 0x08
	plxCSRIdle   = 0x00
	plxCSREnable = 0x01
	plxCSRStart  = 0x03
)

// MaxBusOffset bounds the bus-master sub-window offset.
const MaxBusOffset = 0x100

// bulkProgram is the ordered register program that starts one host-to-FIFO
// transfer. The order is part of the chip's programming protocol.
func bulkProgram(busAddr, length uint32) []hw.Op {
	return []hw.Op{
		{Kind: hw.OpWrite8, Offset: plxDMACSR1, Value: plxCSRClear},
		{Kind: hw.OpWrite8, Offset: plxDMACSR1, Value: plxCSRIdle},
		{Kind: hw.OpWrite32, Offset: plxDMAMode1, Value: plxModeFIFO},
		{Kind: hw.OpWrite32, Offset: plxDMAPADR1, Value: busAddr},
		{Kind: hw.OpWrite32, Offset: plxDMALADR1, Value: plxFIFOAddr},
		{Kind: hw.OpWrite32, Offset: plxDMASIZ1, Value: length},
		{Kind: hw.OpWrite32, Offset: plxDMADPR1, Value: 0},
		{Kind: hw.OpWrite8, Offset: plxDMACSR1, Value: plxCSREnable},
		{Kind: hw.OpWrite8, Offset: plxDMACSR1, Value: plxCSRStart},
	}
}

func apply(base hw.Addr, ops []hw.Op) error {
	for _, op := range ops {
		a := base.At(op.Offset)
		var err error
		if op.Kind == hw.OpWrite8 {
			err = a.Write8(uint8(op.Value))
		} else {
			err = a.Write32(op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

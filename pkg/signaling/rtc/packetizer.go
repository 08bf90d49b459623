package rtc

import (
	"github.com/pion/rtp"
)

const (
	// ClockRate is the PCMU sample rate.
	ClockRate = 8000

	frameSamples    = ClockRate / 50 // 20 ms
	payloadTypePCMU = 0

	// Gaps longer than this resynchronize instead of being filled.
	maxConcealPackets = 50
)

// packetizer slices outgoing audio into 20 ms PCMU packets.
type packetizer struct {
	ssrc    uint32
	seq     uint16
	ts      uint32
	pending []float32
}

func newPacketizer(ssrc uint32, seq uint16, ts uint32) *packetizer {
	return &packetizer{ssrc: ssrc, seq: seq, ts: ts}
}

// push buffers samples and returns every complete packet.
func (p *packetizer) push(samples []float32) []*rtp.Packet {
	p.pending = append(p.pending, samples...)
	var out []*rtp.Packet
	for len(p.pending) >= frameSamples {
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadTypePCMU,
				SequenceNumber: p.seq,
				Timestamp:      p.ts,
				SSRC:           p.ssrc,
			},
			Payload: encodeULaw(make([]byte, 0, frameSamples), p.pending[:frameSamples]),
		})
		p.seq++
		p.ts += frameSamples
		p.pending = p.pending[frameSamples:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return out
}

// depacketizer turns incoming PCMU packets back into samples. Missing
// packets are replaced with silence of the same length so playout timing
// holds; late and duplicate packets are dropped.
type depacketizer struct {
	started   bool
	next      uint16
	frameLen  int
	concealed int64
	dropped   int64
}

func (d *depacketizer) unpack(dst []float32, pkt *rtp.Packet) []float32 {
	if pkt.PayloadType != payloadTypePCMU || len(pkt.Payload) == 0 {
		return dst
	}
	if d.started {
		gap := pkt.SequenceNumber - d.next
		switch {
		case gap >= 0x8000:
			d.dropped++
			return dst
		case gap > 0 && gap <= maxConcealPackets:
			n := int(gap) * d.frameLen
			for range n {
				dst = append(dst, 0)
			}
			d.concealed += int64(gap)
		}
	}
	d.started = true
	d.next = pkt.SequenceNumber + 1
	d.frameLen = len(pkt.Payload)
	return decodeULaw(dst, pkt.Payload)
}

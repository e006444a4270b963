package webrtcstats

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// seconds between the NTP epoch (1900) and the unix epoch
const ntpEpochOffset = 2208988800

// RTCPTracker keeps the latest loss and round-trip estimates from receiver
// reports about our outbound streams.
type RTCPTracker struct {
	mu         sync.Mutex
	now        func() time.Time
	packetLoss float64
	rtt        time.Duration
	hasLoss    bool
	hasRTT     bool
	nacks      int
	plis       int
}

func NewRTCPTracker() *RTCPTracker {
	return &RTCPTracker{now: time.Now}
}

func (t *RTCPTracker) Process(packets []rtcp.Packet) {
	arrival := compactNTP(t.now())

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			t.processReports(p.Reports, arrival)
		case *rtcp.SenderReport:
			t.processReports(p.Reports, arrival)
		case *rtcp.TransportLayerNack:
			t.nacks += len(p.Nacks)
		case *rtcp.PictureLossIndication:
			t.plis++
		}
	}
}

func (t *RTCPTracker) processReports(reports []rtcp.ReceptionReport, arrival uint32) {
	if len(reports) == 0 {
		return
	}

	var lossSum float64
	var rttSum time.Duration
	rttCount := 0
	for _, r := range reports {
		lossSum += float64(r.FractionLost) / 256 * 100
		if rtt, ok := roundTrip(arrival, r.LastSenderReport, r.Delay); ok {
			rttSum += rtt
			rttCount++
		}
	}

	t.packetLoss = lossSum / float64(len(reports))
	t.hasLoss = true
	if rttCount > 0 {
		t.rtt = rttSum / time.Duration(rttCount)
		t.hasRTT = true
	}
}

// Snapshot returns packet loss in percent and the round-trip time. The flags
// report whether any receiver report carried the value.
func (t *RTCPTracker) Snapshot() (loss float64, hasLoss bool, rtt time.Duration, hasRTT bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packetLoss, t.hasLoss, t.rtt, t.hasRTT
}

// Feedback returns the NACK and PLI counts seen so far.
func (t *RTCPTracker) Feedback() (nacks, plis int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nacks, t.plis
}

// roundTrip applies RFC 3550 section 6.4.1: rtt = A - LSR - DLSR, all in
// 1/65536 second units.
func roundTrip(arrival, lsr, dlsr uint32) (time.Duration, bool) {
	if lsr == 0 {
		return 0, false
	}
	d := arrival - lsr - dlsr
	if d > 1<<31 {
		return 0, false
	}
	return time.Duration(uint64(d) * uint64(time.Second) / 65536), true
}

// compactNTP returns the middle 32 bits of the NTP timestamp for t.
func compactNTP(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

package rtcp

import (
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/packet"
)

// statsHistoryWindow bounds how long sent-report NTP stamps are retained for
// round-trip computation.
const statsHistoryWindow = 10 * time.Second

// PacketSender carries outbound RTCP packets. The paced sender implements
// it on the send side; the receive side adapts it onto the raw transport so
// reports are never delayed behind media bursts.
type PacketSender interface {
	SendRTCPPacket(ssrc uint32, p packet.Packet) bool
}

// FeedbackFunc receives parsed Cast feedback, with the address it came from.
type FeedbackFunc func(addr string, msg *FeedbackMessage)

// RTTFunc receives each new round-trip time measurement.
type RTTFunc func(rtt time.Duration)

// PauseFunc receives pause indications. They are a best-effort hint only.
type PauseFunc func(msg PauseResumeMessage)

// TimeData captures "now" in both clock domains for one outgoing report.
type TimeData struct {
	NTPSeconds  uint32
	NTPFraction uint32
	Timestamp   time.Time
}

type sendTimePair struct {
	truncatedNTP uint32
	sentAt       time.Time
}

// Session is one direction's RTCP state machine: it builds our periodic
// reports, consumes the peer's, measures round-trip time from LSR/DLSR, and
// tracks the peer's lip-sync (RTP, NTP) pairs together with the smoothed
// clock offset needed to map them onto the local clock.
type Session struct {
	log *slog.Logger
	clk clock.Clock

	onFeedback FeedbackFunc
	onRTT      RTTFunc
	onPause    PauseFunc

	builder    *Builder
	sender     PacketSender
	localSSRC  uint32
	remoteSSRC uint32

	localClockAheadBy *clock.DriftSmoother

	lastReportsSentMap   map[uint32]time.Time
	lastReportsSentQueue []sendTimePair

	lastReportTruncatedNTP uint32
	timeLastReportReceived time.Time

	lipSyncRTPTimestamp uint32
	lipSyncNTPTimestamp uint64

	currentRoundTripTime time.Duration
}

// NewSession returns an RTCP session between localSSRC and remoteSSRC,
// sending through sender. Any callback may be nil. If log is nil,
// slog.Default() is used.
func NewSession(log *slog.Logger, clk clock.Clock, sender PacketSender, localSSRC, remoteSSRC uint32, onFeedback FeedbackFunc, onRTT RTTFunc) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:                log.With("component", "rtcp", "ssrc", localSSRC),
		clk:                clk,
		onFeedback:         onFeedback,
		onRTT:              onRTT,
		builder:            NewBuilder(localSSRC),
		sender:             sender,
		localSSRC:          localSSRC,
		remoteSSRC:         remoteSSRC,
		localClockAheadBy:  clock.NewDriftSmoother(clock.DefaultDriftTimeConstant),
		lastReportsSentMap: make(map[uint32]time.Time),
	}
}

// SetPauseFunc registers the pause-indication hook.
func (s *Session) SetPauseFunc(fn PauseFunc) { s.onPause = fn }

// RoundTripTime returns the latest round-trip measurement, zero before the
// first one.
func (s *Session) RoundTripTime() time.Duration { return s.currentRoundTripTime }

// IncomingPacket consumes one RTCP datagram from addr. It returns false if
// the packet is not RTCP or belongs to a different source.
func (s *Session) IncomingPacket(addr string, data []byte) bool {
	if !IsRTCPPacket(data) {
		s.log.Debug("dropping non-RTCP packet on RTCP path")
		return false
	}
	if SenderSSRC(data) != s.remoteSSRC {
		return false
	}

	parser := NewParser(s.localSSRC, s.remoteSSRC)
	if err := parser.Parse(data); err != nil {
		s.log.Debug("dropping malformed RTCP compound", "error", err)
		return false
	}
	if parser.HasSenderReport() {
		sr := parser.SenderReport()
		s.onReceivedNTP(sr.NTPSeconds, sr.NTPFraction)
		s.onReceivedLipSyncInfo(sr.RTPTimestamp, sr.NTPSeconds, sr.NTPFraction)
	}
	if parser.HasLastReport() {
		s.onReceivedDelaySinceLastReport(parser.LastReport(), parser.DelaySinceLastReport())
	}
	if parser.HasFeedback() {
		if s.onFeedback != nil {
			s.onFeedback(addr, parser.Feedback())
		}
	}
	if parser.HasPauseResume() {
		if s.onPause != nil {
			s.onPause(parser.PauseResume())
		}
	}
	return true
}

// onReceivedNTP folds the peer's NTP stamp into the clock-offset estimate.
// The estimate follows a new minimum immediately: network delay only ever
// inflates the measured offset, so the smallest observation is the truest.
func (s *Session) onReceivedNTP(ntpSeconds, ntpFraction uint32) {
	s.lastReportTruncatedNTP = ToNTPDiff(ntpSeconds, ntpFraction)

	now := s.clk.Now()
	s.timeLastReportReceived = now

	measuredOffset := now.Sub(NTPToTime(ntpSeconds, ntpFraction))
	s.localClockAheadBy.Update(now, measuredOffset)
	if measuredOffset < s.localClockAheadBy.Current() {
		s.localClockAheadBy.Reset(now, measuredOffset)
	}
}

func (s *Session) onReceivedLipSyncInfo(rtpTimestamp, ntpSeconds, ntpFraction uint32) {
	if ntpSeconds == 0 {
		s.log.Warn("ignoring lip sync info with zero NTP seconds")
		return
	}
	s.lipSyncRTPTimestamp = rtpTimestamp
	s.lipSyncNTPTimestamp = uint64(ntpSeconds)<<32 | uint64(ntpFraction)
}

func (s *Session) onReceivedDelaySinceLastReport(lastReport, delaySinceLastReport uint32) {
	sentAt, ok := s.lastReportsSentMap[lastReport]
	if !ok {
		return // feedback on a report we no longer remember
	}

	senderDelay := s.clk.Now().Sub(sentAt)
	receiverDelay := FromNTPDiff(delaySinceLastReport)
	rtt := senderDelay - receiverDelay
	if rtt < time.Millisecond {
		rtt = time.Millisecond
	}
	s.currentRoundTripTime = rtt

	if s.onRTT != nil {
		s.onRTT(rtt)
	}
}

// LatestLipSyncTimes maps the peer's last (RTP, NTP) pair onto the local
// clock. ok is false until the first sender report arrives.
func (s *Session) LatestLipSyncTimes() (rtpTimestamp uint32, referenceTime time.Time, ok bool) {
	if s.lipSyncNTPTimestamp == 0 {
		return 0, time.Time{}, false
	}
	referenceTime = NTPToTime(
		uint32(s.lipSyncNTPTimestamp>>32),
		uint32(s.lipSyncNTPTimestamp),
	).Add(s.localClockAheadBy.Current())
	return s.lipSyncRTPTimestamp, referenceTime, true
}

// ConvertToNTPAndSave stamps now in NTP form and remembers it so a later
// report block naming this stamp yields a round-trip measurement.
func (s *Session) ConvertToNTPAndSave(now time.Time) TimeData {
	td := TimeData{Timestamp: now}
	td.NTPSeconds, td.NTPFraction = TimeToNTP(now)
	s.saveLastSentNTPTime(now, td.NTPSeconds, td.NTPFraction)
	return td
}

func (s *Session) saveLastSentNTPTime(now time.Time, ntpSeconds, ntpFraction uint32) {
	lastReport := ToNTPDiff(ntpSeconds, ntpFraction)
	s.lastReportsSentMap[lastReport] = now
	s.lastReportsSentQueue = append(s.lastReportsSentQueue, sendTimePair{lastReport, now})

	timeout := now.Add(-statsHistoryWindow)
	for len(s.lastReportsSentQueue) > 0 && s.lastReportsSentQueue[0].sentAt.Before(timeout) {
		delete(s.lastReportsSentMap, s.lastReportsSentQueue[0].truncatedNTP)
		s.lastReportsSentQueue = s.lastReportsSentQueue[1:]
	}
}

// SendFromReceiver emits the receiver's compound report: RR with loss and
// jitter statistics when available, our reference time, and any pending
// Cast feedback.
func (s *Session) SendFromReceiver(timeData TimeData, feedback *FeedbackMessage, targetDelay time.Duration, stats *ReceiverStatistics) {
	rrtr := &ReceiverReferenceTimeReport{
		NTPSeconds:  timeData.NTPSeconds,
		NTPFraction: timeData.NTPFraction,
	}

	var block *ReportBlock
	if stats != nil {
		block = &ReportBlock{
			RemoteSSRC:                 0,
			MediaSSRC:                  s.remoteSSRC,
			FractionLost:               stats.FractionLost,
			CumulativeLost:             stats.CumulativeLost,
			ExtendedHighSequenceNumber: stats.ExtendedHighSequenceNumber,
			Jitter:                     stats.Jitter,
			LastSR:                     s.lastReportTruncatedNTP,
		}
		if !s.timeLastReportReceived.IsZero() {
			delta := timeData.Timestamp.Sub(s.timeLastReportReceived)
			block.DelaySinceLastSR = DurationToNTPDiff(delta)
		}
	}

	s.sender.SendRTCPPacket(s.localSSRC, s.builder.BuildFromReceiver(block, rrtr, feedback, targetDelay))
}

// SendFromSender emits the sender report carrying the lip-sync (NTP, RTP)
// pair and the cumulative send counters.
func (s *Session) SendFromSender(now time.Time, nowAsRTPTimestamp uint32, sendPacketCount int, sendOctetCount int64) {
	ntpSeconds, ntpFraction := TimeToNTP(now)
	s.saveLastSentNTPTime(now, ntpSeconds, ntpFraction)

	info := SenderInfo{
		NTPSeconds:      ntpSeconds,
		NTPFraction:     ntpFraction,
		RTPTimestamp:    nowAsRTPTimestamp,
		SendPacketCount: uint32(sendPacketCount),
		SendOctetCount:  uint32(sendOctetCount),
	}
	s.sender.SendRTCPPacket(s.localSSRC, s.builder.BuildFromSender(info))
}

// SendPauseResume emits the pause indication naming the last frame sent.
func (s *Session) SendPauseResume(lastSentFrameID, pauseID uint32) {
	msg := PauseResumeMessage{PauseID: pauseID, LastSent: lastSentFrameID}
	s.sender.SendRTCPPacket(s.localSSRC, s.builder.BuildPauseResume(msg))
}

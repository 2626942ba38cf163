package sipgw

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

const (
	framePeriod  = 20 * time.Millisecond
	frameSamples = 160
	readDeadline = 100 * time.Millisecond

	answerTimeout  = 90 * time.Second
	releaseTimeout = 5 * time.Second
	byeTimeout     = 5 * time.Second
)

// telephone-event codes 0-15 (RFC 4733).
const dtmfEvents = "0123456789*#ABCD"

// dialog is the server side of a SIP dialog as seen by a call.
type dialog interface {
	Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error
	Bye(ctx context.Context) error
}

// invite carries what a call needs from an INVITE.
type invite struct {
	CallID  string
	ANI     string
	CIDName string
	DNIS    string
	SDP     []byte
}

// call bridges one SIP dialog onto one TDM channel.
type call struct {
	id     string
	ch     *tdm.Channel
	dlg    dialog
	offer  *offer
	answer []byte
	sock   *SocketPair
	ssrc   uint32
	logger *slog.Logger

	events    chan tdm.SigEvent
	cancelled chan struct{}
	byeRecv   chan struct{}
	closeOnce sync.Once
	byeOnce   sync.Once

	remoteMu sync.Mutex
	remote   *net.UDPAddr

	mediaOnce   sync.Once
	mediaCancel context.CancelFunc
	mediaWG     sync.WaitGroup
}

func newCall(in invite, ch *tdm.Channel, dlg dialog, o *offer, answer []byte, sock *SocketPair, logger *slog.Logger) *call {
	return &call{
		id:          in.CallID,
		ch:          ch,
		dlg:         dlg,
		offer:       o,
		answer:      answer,
		sock:        sock,
		ssrc:        rand.Uint32(),
		logger:      logger,
		events:      make(chan tdm.SigEvent, 16),
		cancelled:   make(chan struct{}),
		byeRecv:     make(chan struct{}),
		remote:      o.Remote,
		mediaCancel: func() {},
	}
}

// notify queues a signal event without blocking the signaling thread.
func (c *call) notify(ev tdm.SigEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("call event queue full, dropping event", "event", ev)
	}
}

func (c *call) cancel() { c.closeOnce.Do(func() { close(c.cancelled) }) }

func (c *call) remoteBye() { c.byeOnce.Do(func() { close(c.byeRecv) }) }

func (c *call) respond(code int, reason string, body []byte) {
	var headers []sip.Header
	if len(body) > 0 {
		headers = append(headers, sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := c.dlg.Respond(code, reason, body, headers...); err != nil {
		c.logger.Error("failed to send sip response", "code", code, "error", err)
	}
}

func (c *call) hangup(cause int) {
	if err := c.ch.HangupWithCause(cause); err != nil && !errors.Is(err, tdm.ErrNotOpen) {
		c.logger.Warn("tdm hangup failed", "error", err)
	}
}

func (c *call) sendBye() {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := c.dlg.Bye(ctx); err != nil {
		c.logger.Warn("failed to send bye", "error", err)
	}
}

// closeChannel waits for the channel to finish clearing and closes it so
// it can be hunted again.
func (c *call) closeChannel() {
	deadline := time.NewTimer(releaseTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(framePeriod)
	defer tick.Stop()
	for c.ch.State() != tdm.StateDown {
		select {
		case <-c.events:
		case <-tick.C:
		case <-deadline.C:
			c.logger.Warn("channel did not clear in time", "state", c.ch.State())
			c.ch.Close()
			return
		}
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, tdm.ErrNotOpen) {
		c.logger.Warn("closing channel", "error", err)
	}
}

// awaitAnswer relays call progress to the caller until the TDM side
// answers. It reports false once the call has failed.
func (c *call) awaitAnswer(ctx context.Context) bool {
	timer := time.NewTimer(answerTimeout)
	defer timer.Stop()
	ringing := false
	for {
		select {
		case ev := <-c.events:
			switch ev {
			case tdm.SigEventRinging, tdm.SigEventProgress:
				if !ringing {
					c.respond(180, "Ringing", nil)
					ringing = true
				}
			case tdm.SigEventProgressMedia:
				c.respond(183, "Session Progress", c.answer)
				c.startMedia(ctx)
				ringing = true
			case tdm.SigEventUp:
				c.respond(200, "OK", c.answer)
				c.startMedia(ctx)
				c.logger.Info("call answered")
				return true
			case tdm.SigEventStop, tdm.SigEventRelease:
				cause := c.ch.CallerData().HangupCause
				code, reason := statusForCause(cause)
				c.logger.Info("call failed before answer", "cause", cause, "sip_code", code)
				c.respond(code, reason, nil)
				c.hangup(cause)
				return false
			}
		case <-c.cancelled:
			c.logger.Info("call cancelled by caller")
			c.respond(487, "Request Terminated", nil)
			c.hangup(tdm.CauseNormalClearing)
			return false
		case <-timer.C:
			c.logger.Info("call not answered in time")
			c.respond(480, "Temporarily Unavailable", nil)
			c.hangup(tdm.CauseNoAnswer)
			return false
		case <-ctx.Done():
			c.respond(503, "Service Unavailable", nil)
			c.hangup(tdm.CauseNormalClearing)
			return false
		}
	}
}

// established waits for either side to clear an answered call.
func (c *call) established(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			if ev != tdm.SigEventStop && ev != tdm.SigEventRelease {
				continue
			}
			c.logger.Info("tdm side cleared", "cause", c.ch.CallerData().HangupCause)
			c.sendBye()
			c.hangup(tdm.CauseNormalClearing)
			return
		case <-c.byeRecv:
			c.logger.Info("sip side cleared")
			c.hangup(tdm.CauseNormalClearing)
			return
		case <-ctx.Done():
			c.sendBye()
			c.hangup(tdm.CauseNormalClearing)
			return
		}
	}
}

func (c *call) startMedia(ctx context.Context) {
	c.mediaOnce.Do(func() {
		mctx, cancel := context.WithCancel(ctx)
		c.mediaCancel = cancel
		c.mediaWG.Add(2)
		go c.sendLoop(mctx)
		go c.receiveLoop(mctx)
	})
}

func (c *call) stopMedia() {
	c.mediaCancel()
	c.mediaWG.Wait()
}

func (c *call) remoteAddr() *net.UDPAddr {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.remote
}

// learnRemote switches to the address media actually arrives from, which
// differs from the SDP address behind NAT.
func (c *call) learnRemote(from *net.UDPAddr) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	if c.remote != nil && c.remote.IP.Equal(from.IP) && c.remote.Port == from.Port {
		return
	}
	c.logger.Debug("rtp source learned", "addr", from.String())
	c.remote = from
}

// sendLoop paces channel reads at the packet interval and sends them as
// RTP.
func (c *call) sendLoop(ctx context.Context) {
	defer c.mediaWG.Done()
	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()

	buf := make([]byte, frameSamples)
	pkt := &rtp.Packet{Header: rtp.Header{
		Version:        2,
		PayloadType:    c.offer.PayloadType,
		SequenceNumber: uint16(rand.Uint32()),
		Timestamp:      rand.Uint32(),
		SSRC:           c.ssrc,
	}}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := c.ch.Read(buf)
		if err != nil {
			c.logger.Debug("tdm read stopped", "error", err)
			return
		}
		pkt.Payload = buf[:n]
		raw, err := pkt.Marshal()
		if err != nil {
			c.logger.Warn("marshal rtp", "error", err)
			continue
		}
		if _, err := c.sock.RTPConn.WriteToUDP(raw, c.remoteAddr()); err != nil {
			c.logger.Debug("rtp send failed", "error", err)
		}
		pkt.SequenceNumber++
		pkt.Timestamp += uint32(n)
	}
}

// receiveLoop writes inbound RTP audio to the channel and turns
// telephone-events into DTMF on the line.
func (c *call) receiveLoop(ctx context.Context) {
	defer c.mediaWG.Done()
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	var lastEnd uint32
	seenEnd := false
	for ctx.Err() == nil {
		c.sock.RTPConn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := c.sock.RTPConn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		c.learnRemote(from)

		switch {
		case c.offer.DTMFType >= 0 && int(pkt.PayloadType) == c.offer.DTMFType:
			if len(pkt.Payload) < 4 || pkt.Payload[1]&0x80 == 0 {
				continue
			}
			// The end packet is repeated; act on the first copy only.
			if seenEnd && pkt.Timestamp == lastEnd {
				continue
			}
			seenEnd, lastEnd = true, pkt.Timestamp
			if ev := int(pkt.Payload[0]); ev < len(dtmfEvents) {
				if _, err := c.ch.Command(tdm.CmdSendDTMF, dtmfEvents[ev:ev+1]); err != nil {
					c.logger.Warn("relaying dtmf", "digit", dtmfEvents[ev:ev+1], "error", err)
				}
			}
		case pkt.PayloadType == c.offer.PayloadType:
			if _, err := c.ch.Write(pkt.Payload); err != nil {
				c.logger.Debug("tdm write stopped", "error", err)
				return
			}
		}
	}
}

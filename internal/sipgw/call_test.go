package sipgw

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/tdmcore/internal/config"
	"github.com/flowpbx/tdmcore/internal/driver/soft"
	"github.com/flowpbx/tdmcore/internal/signaling/clear"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

const waitFor = 2 * time.Second

type response struct {
	code int
	body []byte
}

// fakeDialog records what the gateway sends to the SIP caller.
type fakeDialog struct {
	responses chan response

	mu   sync.Mutex
	byes int
}

func newFakeDialog() *fakeDialog {
	return &fakeDialog{responses: make(chan response, 16)}
}

func (d *fakeDialog) Respond(code int, _ string, body []byte, _ ...sip.Header) error {
	d.responses <- response{code: code, body: body}
	return nil
}

func (d *fakeDialog) Bye(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byes++
	return nil
}

func (d *fakeDialog) byeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byes
}

// next returns the next final or provisional response with code, skipping
// others.
func (d *fakeDialog) next(t *testing.T, code int) response {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case r := <-d.responses:
			if r.code == code {
				return r
			}
		case <-timeout:
			t.Fatalf("no %d response", code)
		}
	}
}

type gwEnv struct {
	gw     *Server
	span   *tdm.Span
	driver *soft.Driver
	callee *tdm.Channel
	logger *slog.Logger
}

// newGatewayEnv builds a two channel loopback span. Channel 1 is in the
// gateway's group and channel 2 plays the far end.
func newGatewayEnv(t *testing.T) *gwEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := tdm.NewRegistry(tdm.WithLogger(logger))
	t.Cleanup(func() { reg.Close() })

	cfg := &config.Config{
		ExternalIP: "127.0.0.1",
		SIPPort:    5060,
		SIPGroup:   "trunk",
		RTPPortMin: 42000,
		RTPPortMax: 42019,
	}
	gw, err := NewServer(cfg, reg, logger)
	require.NoError(t, err)
	t.Cleanup(gw.Stop)

	span, err := reg.CreateSpan(soft.Name, "s1")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), map[string]string{"channels": "2"}))
	require.NoError(t, span.ConfigureSignaling(clear.New(logger), gw.Signal))
	require.NoError(t, span.Start())

	first, err := span.Channel(1)
	require.NoError(t, err)
	_, err = reg.AddToGroup("trunk", first)
	require.NoError(t, err)
	callee, err := span.Channel(2)
	require.NoError(t, err)

	drv, ok := span.Driver().(*soft.Driver)
	require.True(t, ok)
	return &gwEnv{gw: gw, span: span, driver: drv, callee: callee, logger: logger}
}

// start sets up a call from a remote RTP peer and runs it in the
// background. The returned channel closes when the call is over.
func (e *gwEnv) start(t *testing.T, ctx context.Context, dlg *fakeDialog, peer *net.UDPConn) (*call, <-chan struct{}) {
	t.Helper()
	port := peer.LocalAddr().(*net.UDPAddr).Port
	c, err := e.gw.setupCall(invite{
		CallID: "call-" + t.Name(),
		ANI:    "0299990000",
		DNIS:   "1000",
		SDP:    offerSDP(port, "0 101", "0 PCMU/8000", "101 telephone-event/8000"),
	}, dlg, e.logger)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.gw.run(ctx, c)
		close(done)
	}()
	return c, done
}

func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("call did not finish")
	}
}

func TestAnsweredCallBridgesMedia(t *testing.T) {
	env := newGatewayEnv(t)
	dlg := newFakeDialog()
	peer := listenPeer(t)

	c, done := env.start(t, context.Background(), dlg, peer)
	assert.Equal(t, 1, env.gw.ActiveSessionCount())
	cd := c.ch.CallerData()
	assert.Equal(t, "0299990000", cd.ANI)
	assert.Equal(t, "1000", cd.DNIS)
	assert.NotEmpty(t, cd.CallUUID)

	require.Eventually(t, func() bool { return env.callee.State() == tdm.StateRing }, waitFor, 5*time.Millisecond)
	require.NoError(t, env.callee.Answer())

	ok := dlg.next(t, 200)
	answer, err := parseOffer(ok.body)
	require.NoError(t, err)
	assert.Equal(t, c.sock.Ports.RTP, answer.Remote.Port)
	assert.Equal(t, 101, answer.DTMFType)

	// Channel audio arrives at the peer as PCMU RTP.
	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(waitFor)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, PayloadPCMU, pkt.PayloadType)
	assert.Len(t, pkt.Payload, frameSamples)

	// Peer audio is written to the channel.
	gwAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.sock.Ports.RTP}
	out := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadPCMU, SequenceNumber: 1, SSRC: 99},
		Payload: make([]byte, frameSamples),
	}
	raw, err := out.Marshal()
	require.NoError(t, err)
	before := env.driver.Written(c.ch)
	require.Eventually(t, func() bool {
		peer.WriteToUDP(raw, gwAddr)
		return env.driver.Written(c.ch) >= before+frameSamples
	}, waitFor, 20*time.Millisecond)

	// Caller hangs up.
	c.remoteBye()
	waitDone(t, done)
	assert.Zero(t, env.gw.ActiveSessionCount())
	assert.Zero(t, env.gw.ports.InUse())
	assert.False(t, c.ch.HasFlag(tdm.ChanOpen), "channel closed for the next hunt")
	assert.Zero(t, dlg.byeCount())
}

func TestTDMHangupSendsBye(t *testing.T) {
	env := newGatewayEnv(t)
	dlg := newFakeDialog()
	c, done := env.start(t, context.Background(), dlg, listenPeer(t))

	require.Eventually(t, func() bool { return env.callee.State() == tdm.StateRing }, waitFor, 5*time.Millisecond)
	require.NoError(t, env.callee.Answer())
	dlg.next(t, 200)
	require.Eventually(t, func() bool { return c.ch.State() == tdm.StateUp }, waitFor, 5*time.Millisecond)

	require.NoError(t, env.callee.Hangup())
	waitDone(t, done)
	assert.Equal(t, 1, dlg.byeCount())
	assert.Equal(t, tdm.StateDown, c.ch.State())
}

func TestCancelBeforeAnswer(t *testing.T) {
	env := newGatewayEnv(t)
	dlg := newFakeDialog()
	c, done := env.start(t, context.Background(), dlg, listenPeer(t))

	require.Eventually(t, func() bool { return env.callee.State() == tdm.StateRing }, waitFor, 5*time.Millisecond)
	c.cancel()
	dlg.next(t, 487)
	waitDone(t, done)
	assert.Zero(t, env.gw.ActiveSessionCount())
	assert.Zero(t, dlg.byeCount())
}

func TestShutdownClearsRingingCall(t *testing.T) {
	env := newGatewayEnv(t)
	dlg := newFakeDialog()
	ctx, cancel := context.WithCancel(context.Background())
	_, done := env.start(t, ctx, dlg, listenPeer(t))

	require.Eventually(t, func() bool { return env.callee.State() == tdm.StateRing }, waitFor, 5*time.Millisecond)
	cancel()
	dlg.next(t, 503)
	waitDone(t, done)
}

func TestGroupExhausted(t *testing.T) {
	env := newGatewayEnv(t)
	_, done := env.start(t, context.Background(), newFakeDialog(), listenPeer(t))
	t.Cleanup(func() {
		env.callee.Hangup()
		waitDone(t, done)
	})

	dlg := newFakeDialog()
	port := listenPeer(t).LocalAddr().(*net.UDPAddr).Port
	_, err := env.gw.setupCall(invite{
		CallID: "second",
		SDP:    offerSDP(port, "0", "0 PCMU/8000"),
	}, dlg, env.logger)
	require.Error(t, err)
	dlg.next(t, 503)
	assert.Equal(t, 1, env.gw.ports.InUse(), "rejected call returned its ports")
}

func TestUnacceptableOffer(t *testing.T) {
	env := newGatewayEnv(t)
	dlg := newFakeDialog()
	_, err := env.gw.setupCall(invite{
		CallID: "g729",
		SDP:    offerSDP(30000, "18", "18 G729/8000"),
	}, dlg, env.logger)
	require.ErrorIs(t, err, ErrNoCommonCodec)
	dlg.next(t, 488)
	assert.Zero(t, env.gw.ports.InUse())
	assert.Zero(t, env.gw.ActiveSessionCount())
}

func TestSignalIgnoresUnbridgedChannels(t *testing.T) {
	env := newGatewayEnv(t)
	assert.NoError(t, env.gw.Signal(&tdm.SigMsg{Event: tdm.SigEventUp, Channel: env.callee}))
	assert.NoError(t, env.gw.Signal(&tdm.SigMsg{Event: tdm.SigEventStop}))
}

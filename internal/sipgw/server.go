// Package sipgw terminates SIP calls onto TDM channels. An inbound INVITE
// hunts a channel in the configured group, places the call on the TDM
// side and bridges the RTP stream to the channel's audio.
package sipgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/tdmcore/internal/config"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

var errShuttingDown = errors.New("sip gateway shutting down")

// Hunter finds and opens a channel for an outbound TDM call.
type Hunter interface {
	Hunt(req tdm.HuntRequest) (*tdm.Channel, error)
}

// Server wraps the sipgo stack with the gateway handlers.
type Server struct {
	cfg    *config.Config
	hunter Hunter
	ports  *PortPool
	auth   *Authenticator
	logger *slog.Logger

	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	dialogs *sipgo.DialogServerCache

	mu      sync.Mutex
	closing bool
	calls   map[string]*call
	byChan  map[*tdm.Channel]*call
	callsWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the gateway. Nothing listens until Start.
func NewServer(cfg *config.Config, hunter Hunter, logger *slog.Logger) (*Server, error) {
	logger = logger.With("subsystem", "sipgw")

	ports, err := NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	host := cfg.MediaIP()
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("tdmcore"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	contact := sip.ContactHeader{
		Address: sip.Uri{User: "tdmcore", Host: host, Port: cfg.SIPPort},
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		hunter:  hunter,
		ports:   ports,
		auth:    NewAuthenticator(cfg.SIPUser, cfg.SIPPassword, logger),
		logger:  logger,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: sipgo.NewDialogServerCache(client, contact),
		calls:   make(map[string]*call),
		byChan:  make(map[*tdm.Channel]*call),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleAck)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening for SIP over UDP on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr, "group", s.cfg.SIPGroup)
		if err := s.srv.ListenAndServe(s.ctx, "udp", addr); err != nil && s.ctx.Err() == nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	if s.auth != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.auth.CleanExpired()
				}
			}
		}()
	}
	return nil
}

// Stop clears every active call, shuts the listener down and waits for
// the handlers to return.
func (s *Server) Stop() {
	s.logger.Info("stopping sip gateway")
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.callsWG.Wait()
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip gateway stopped")
}

// ActiveSessionCount returns the number of SIP calls bridged onto TDM
// channels, answered or not.
func (s *Server) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Signal feeds TDM signal events to the call bridged on the channel. It
// is chained into the span's signal callback.
func (s *Server) Signal(msg *tdm.SigMsg) error {
	if msg.Channel == nil {
		return nil
	}
	s.mu.Lock()
	c := s.byChan[msg.Channel]
	s.mu.Unlock()
	if c != nil {
		c.notify(msg.Event)
	}
	return nil
}

func (s *Server) lookup(callID string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

func (s *Server) track(c *call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errShuttingDown
	}
	s.calls[c.id] = c
	s.byChan[c.ch] = c
	s.callsWG.Add(1)
	return nil
}

func (s *Server) untrack(c *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.id]; !ok {
		return
	}
	delete(s.calls, c.id)
	delete(s.byChan, c.ch)
	s.callsWG.Done()
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	logger := s.logger.With("call_id", callID)
	logger.Info("invite received",
		"from", req.From().Address.User,
		"to", req.Recipient.User,
		"source", req.Source(),
	)

	if s.lookup(callID) != nil {
		// Re-INVITEs would renegotiate media, which the gateway does not do.
		respond(req, tx, 488, "Not Acceptable Here", logger)
		return
	}
	respond(req, tx, 100, "Trying", logger)

	if s.auth != nil && !s.auth.Authenticate(req, tx) {
		return
	}

	dlg, err := s.dialogs.ReadInvite(req, tx)
	if err != nil {
		logger.Error("failed to create dialog", "error", err)
		respond(req, tx, 500, "Internal Server Error", logger)
		return
	}

	in := invite{
		CallID:  callID,
		ANI:     req.From().Address.User,
		CIDName: req.From().DisplayName,
		DNIS:    req.Recipient.User,
		SDP:     req.Body(),
	}
	c, err := s.setupCall(in, dlg, logger)
	if err != nil {
		logger.Info("sip call rejected", "error", err)
		return
	}
	// The handler owns the INVITE transaction until the call is over.
	s.run(s.ctx, c)
}

// setupCall hunts a channel and prepares the media for in. On error the
// caller has already been sent a final response.
func (s *Server) setupCall(in invite, dlg dialog, logger *slog.Logger) (*call, error) {
	reject := func(code int, reason string) {
		if err := dlg.Respond(code, reason, nil); err != nil {
			logger.Error("failed to send sip response", "code", code, "error", err)
		}
	}

	o, err := parseOffer(in.SDP)
	if err != nil {
		reject(488, "Not Acceptable Here")
		return nil, err
	}
	sock, err := s.ports.Allocate()
	if err != nil {
		reject(503, "Service Unavailable")
		return nil, err
	}

	ch, err := s.hunter.Hunt(tdm.HuntRequest{
		Mode:      tdm.HuntByGroup,
		GroupName: s.cfg.SIPGroup,
		Direction: tdm.TopDown,
		Caller: &tdm.CallerData{
			ANI:      in.ANI,
			DNIS:     in.DNIS,
			CIDName:  in.CIDName,
			CIDNum:   in.ANI,
			CallUUID: uuid.NewString(),
		},
	})
	if err != nil {
		s.ports.Release(sock)
		reject(statusForError(err))
		return nil, fmt.Errorf("hunting group %q: %w", s.cfg.SIPGroup, err)
	}
	ch.SetFlag(tdm.ChanNonBlock)
	ch.AddVar("sip_call_id", in.CallID)

	fail := func(code int, reason string, err error) (*call, error) {
		ch.Close()
		s.ports.Release(sock)
		reject(code, reason)
		return nil, err
	}
	if _, err := ch.Command(tdm.CmdSetCodec, o.Codec); err != nil {
		return fail(488, "Not Acceptable Here", fmt.Errorf("setting channel codec: %w", err))
	}
	answer, err := buildAnswer(o, s.cfg.MediaIP(), sock.Ports.RTP, uint64(time.Now().Unix()))
	if err != nil {
		return fail(500, "Internal Server Error", fmt.Errorf("building sdp answer: %w", err))
	}

	c := newCall(in, ch, dlg, o, answer, sock, logger.With("span_id", ch.SpanID(), "chan_id", ch.ID()))
	if err := s.track(c); err != nil {
		return fail(503, "Service Unavailable", err)
	}
	c.logger.Info("sip call bridged to channel", "codec", o.Codec, "rtp_port", sock.Ports.RTP)
	return c, nil
}

// run drives c from call placement to teardown.
func (s *Server) run(ctx context.Context, c *call) {
	defer func() {
		c.stopMedia()
		s.ports.Release(c.sock)
		s.untrack(c)
	}()

	if err := c.ch.PlaceCall(); err != nil {
		c.logger.Warn("placing tdm call failed", "error", err)
		code, reason := statusForError(err)
		c.respond(code, reason, nil)
		c.ch.Close()
		return
	}
	if c.awaitAnswer(ctx) {
		c.established(ctx)
	}
	c.closeChannel()
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := s.dialogs.ReadAck(req, tx); err != nil {
		s.logger.Debug("ack outside a dialog", "error", err)
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	c := s.lookup(callID)
	if c == nil {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}
	if err := s.dialogs.ReadBye(req, tx); err != nil {
		s.logger.Warn("failed to read bye", "call_id", callID, "error", err)
		respond(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}
	c.remoteBye()
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	c := s.lookup(callID)
	if c == nil {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}
	respond(req, tx, 200, "OK", s.logger)
	c.cancel()
}

func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

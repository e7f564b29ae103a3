// Package sipphone implements the telephony transport over SIP: digest
// registration with the provider edge, outbound INVITE dialogs, and
// incoming call delivery.
package sipphone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Config holds the SIP stack settings.
type Config struct {
	// ListenAddr is the local address for SIP listeners, e.g. "0.0.0.0:5060".
	ListenAddr string
	// Domain is the provider's SIP edge host the phone registers against.
	Domain string
	// Port is the provider edge port.
	Port int
	// Transport is the SIP transport, "udp" or "tcp".
	Transport string
	// UserAgent appears in the User-Agent header.
	UserAgent string
	// RegisterExpiry is the requested registration expiry in seconds.
	RegisterExpiry int
	// MediaHost and MediaPort are advertised in SDP offers and answers.
	MediaHost string
	MediaPort int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenAddr == "" {
		out.ListenAddr = "0.0.0.0:5060"
	}
	if out.Port <= 0 {
		out.Port = 5060
	}
	if out.Transport == "" {
		out.Transport = "udp"
	}
	if out.UserAgent == "" {
		out.UserAgent = "dialer-agent"
	}
	if out.RegisterExpiry <= 0 {
		out.RegisterExpiry = 600
	}
	if out.MediaPort <= 0 {
		out.MediaPort = 10000
	}
	return out
}

// Phone is a single-identity SIP user agent implementing the telephony
// transport. It registers with the provider edge using the credential's
// identity and token as digest username and password.
type Phone struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handler func(telephony.Event)
	cred    telephony.Credential
	calls   map[string]*call
}

// New creates a SIP phone. Start must be called before Register.
func New(cfg Config, logger *slog.Logger) (*Phone, error) {
	cfg = cfg.withDefaults()
	logger = logger.With("subsystem", "sipphone")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	p := &Phone{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		calls:  make(map[string]*call),
		logger: logger,
	}

	srv.OnInvite(p.handleInvite)
	srv.OnRequest(sip.CANCEL, p.handleCancel)
	srv.OnBye(p.handleBye)
	srv.OnAck(p.handleAck)
	srv.OnOptions(p.handleOptions)

	return p, nil
}

// Start begins listening for SIP traffic. It returns immediately; listener
// errors after startup are logged.
func (p *Phone) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info("sip listener starting", "addr", p.cfg.ListenAddr, "transport", p.cfg.Transport)
		if err := p.srv.ListenAndServe(ctx, p.cfg.Transport, p.cfg.ListenAddr); err != nil {
			p.logger.Error("sip listener stopped", "error", err)
		}
	}()
	return nil
}

// SetHandler installs the event callback. Must be called before Start.
func (p *Phone) SetHandler(handler func(telephony.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Connect places an outbound call to number. The returned handle is live
// immediately; ringing, answer, and failure arrive as events.
func (p *Phone) Connect(ctx context.Context, number string) (telephony.CallHandle, error) {
	p.mu.Lock()
	cred := p.cred
	p.mu.Unlock()
	if cred.Identity == "" {
		return nil, fmt.Errorf("sipphone: not registered")
	}

	callID := uuid.NewString()
	c := newOutboundCall(p, callID, number)

	p.mu.Lock()
	p.calls[callID] = c
	p.mu.Unlock()

	if err := c.sendInvite(ctx, cred); err != nil {
		p.removeCall(callID)
		return nil, err
	}
	return c, nil
}

// Close shuts down the SIP stack.
func (p *Phone) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.srv.Close()
	p.ua.Close()
	p.logger.Info("sip phone stopped")
	return nil
}

func (p *Phone) emit(ev telephony.Event) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (p *Phone) lookupCall(callID string) *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[callID]
}

func (p *Phone) removeCall(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, callID)
}

// handleInvite delivers an incoming call. The caller keeps ringing until
// the admission layer accepts, declines, or lets the offer expire.
func (p *Phone) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.User
	}
	to := ""
	if t := req.To(); t != nil {
		to = t.Address.User
	}

	p.logger.Info("incoming invite", "call_id", callID, "from", from)

	c := newInboundCall(p, callID, req, tx)
	p.mu.Lock()
	p.calls[callID] = c
	p.mu.Unlock()

	// Ring back to the caller while the offer is pending.
	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		p.logger.Error("sending ringing failed", "call_id", callID, "error", err)
	}

	p.emit(telephony.Event{
		Type:   telephony.EventIncoming,
		CallID: callID,
		From:   from,
		To:     to,
		Handle: c,
	})
}

// handleCancel resolves a ringing inbound call the caller abandoned.
func (p *Phone) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	p.logger.Info("invite cancelled by caller", "call_id", callID)

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		p.logger.Debug("responding to cancel failed", "call_id", callID, "error", err)
	}

	if c := p.lookupCall(callID); c != nil {
		c.remoteCancel()
	}
	p.removeCall(callID)

	p.emit(telephony.Event{Type: telephony.EventCancel, CallID: callID})
}

// handleBye ends an established call from the remote side.
func (p *Phone) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	p.logger.Info("bye received", "call_id", callID)

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		p.logger.Debug("responding to bye failed", "call_id", callID, "error", err)
	}
	p.removeCall(callID)

	p.emit(telephony.Event{Type: telephony.EventDisconnect, CallID: callID})
}

func (p *Phone) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	p.logger.Debug("ack received", "call_id", callID, "source", req.Source())
}

// handleOptions answers keepalive probes from the provider edge.
func (p *Phone) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		p.logger.Debug("responding to options failed", "error", err)
	}
}

// edgeURI is the provider edge address as a Request-URI string.
func (p *Phone) edgeURI() string {
	return fmt.Sprintf("sip:%s:%d", p.cfg.Domain, p.cfg.Port)
}

func (p *Phone) transportUpper() string {
	return strings.ToUpper(p.cfg.Transport)
}

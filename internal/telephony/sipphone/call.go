package sipphone

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

type callDirection int

const (
	callOutbound callDirection = iota
	callInbound
)

// call is one SIP dialog implementing the telephony call handle.
type call struct {
	phone  *Phone
	id     string
	dir    callDirection
	number string

	mu        sync.Mutex
	inviteReq *sip.Request
	inviteRes *sip.Response
	serverTx  sip.ServerTransaction
	answered  bool
	ended     bool

	muted     atomic.Bool
	localCSeq atomic.Uint32

	// cancelDial aborts the outbound response collector.
	cancelDial context.CancelFunc
}

func newOutboundCall(p *Phone, callID, number string) *call {
	return &call{phone: p, id: callID, dir: callOutbound, number: number}
}

func newInboundCall(p *Phone, callID string, req *sip.Request, tx sip.ServerTransaction) *call {
	c := &call{phone: p, id: callID, dir: callInbound, inviteReq: req, serverTx: tx}
	if cseq := req.CSeq(); cseq != nil {
		c.localCSeq.Store(cseq.SeqNo)
	}
	return c
}

// ID returns the SIP Call-ID.
func (c *call) ID() string { return c.id }

// sendInvite sends the outbound INVITE and spawns the response collector.
// It returns as soon as the transaction is underway; progress arrives as
// events.
func (c *call) sendInvite(ctx context.Context, cred telephony.Credential) error {
	p := c.phone

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", c.number, p.cfg.Domain, p.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("sipphone: parsing invite uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(p.transportUpper())
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: cred.Identity, Host: p.cfg.Domain},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: c.number, Host: p.cfg.Domain},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: cred.Identity, Host: p.ua.Hostname()},
	})

	body := buildSDP(p.cfg.MediaHost, p.cfg.MediaPort)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	c.mu.Lock()
	c.inviteReq = req
	c.mu.Unlock()

	// The dial outcome outlives the caller's request context.
	dialCtx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	tx, err := p.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		return fmt.Errorf("sipphone: sending invite: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		c.collectResponses(dialCtx, tx, req, cred, recipientStr, false)
	}()
	return nil
}

// collectResponses drives an outbound INVITE transaction to completion,
// emitting ringing, answer, and failure events.
func (c *call) collectResponses(
	ctx context.Context,
	tx sip.ClientTransaction,
	req *sip.Request,
	cred telephony.Credential,
	uri string,
	authed bool,
) {
	p := c.phone
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			tx.Terminate()
			if err := tx.Err(); err != nil {
				c.fail(fmt.Sprintf("invite transaction: %v", err))
			}
			return
		case res = <-tx.Responses():
		}

		p.logger.Debug("invite response",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			p.emit(telephony.Event{Type: telephony.EventRinging, CallID: c.id})

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed:
			tx.Terminate()
			c.resendWithAuth(ctx, req, res, cred, uri)
			return

		case res.StatusCode >= 200 && res.StatusCode < 300:
			c.confirmDialog(req, res)
			p.emit(telephony.Event{Type: telephony.EventAccept, CallID: c.id})
			// Keep draining retransmissions until the transaction ends.
			continue

		case res.StatusCode == 486 || res.StatusCode == 600 || res.StatusCode == 603:
			tx.Terminate()
			p.removeCall(c.id)
			p.emit(telephony.Event{Type: telephony.EventReject, CallID: c.id})
			return

		case res.StatusCode == 487:
			tx.Terminate()
			p.removeCall(c.id)
			p.emit(telephony.Event{Type: telephony.EventCancel, CallID: c.id})
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			c.fail(fmt.Sprintf("invite rejected with %d %s", res.StatusCode, res.Reason))
			return
		}
	}
}

// resendWithAuth answers a digest challenge on the outbound INVITE.
func (c *call) resendWithAuth(
	ctx context.Context,
	req *sip.Request,
	challenge *sip.Response,
	cred telephony.Credential,
	uri string,
) {
	p := c.phone

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		c.fail(fmt.Sprintf("received %d without %s header", challenge.StatusCode, authHeader))
		return
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		c.fail(fmt.Sprintf("parsing auth challenge: %v", err))
		return
	}
	dig, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: cred.Identity,
		Password: cred.Token,
	})
	if err != nil {
		c.fail(fmt.Sprintf("computing digest: %v", err))
		return
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, dig.String()))

	c.mu.Lock()
	c.inviteReq = authReq
	c.mu.Unlock()

	tx, err := p.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		c.fail(fmt.Sprintf("sending authenticated invite: %v", err))
		return
	}
	c.collectResponses(ctx, tx, authReq, cred, uri, true)
}

// confirmDialog records the 2xx and acknowledges it.
func (c *call) confirmDialog(req *sip.Request, res *sip.Response) {
	p := c.phone

	c.mu.Lock()
	alreadyAnswered := c.answered
	c.answered = true
	c.inviteRes = res
	if cseq := req.CSeq(); cseq != nil {
		c.localCSeq.Store(cseq.SeqNo)
	}
	c.mu.Unlock()

	ack := buildAckFor2xx(req, res)
	if err := p.client.WriteRequest(ack); err != nil {
		p.logger.Error("sending ack failed", "call_id", c.id, "error", err)
	}
	if alreadyAnswered {
		p.logger.Debug("re-acknowledged 2xx retransmission", "call_id", c.id)
	}
}

// Accept answers an inbound call with a 200 OK carrying our SDP.
func (c *call) Accept(ctx context.Context) error {
	if c.dir != callInbound {
		return fmt.Errorf("sipphone: cannot accept an outbound call")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("sipphone: call %s already ended", c.id)
	}
	if c.answered {
		return nil
	}

	body := buildSDP(c.phone.cfg.MediaHost, c.phone.cfg.MediaPort)
	res := sip.NewResponseFromRequest(c.inviteReq, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := c.serverTx.Respond(res); err != nil {
		return fmt.Errorf("sipphone: answering call %s: %w", c.id, err)
	}
	c.answered = true
	c.inviteRes = res
	return nil
}

// Disconnect ends the call: 486/487 teardown before answer, BYE after.
func (c *call) Disconnect(ctx context.Context) error {
	p := c.phone

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	answered := c.answered
	c.mu.Unlock()

	defer p.removeCall(c.id)

	if !answered {
		if c.dir == callInbound {
			// Refuse the ringing INVITE.
			c.mu.Lock()
			tx, req := c.serverTx, c.inviteReq
			c.mu.Unlock()
			if err := tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil)); err != nil {
				return fmt.Errorf("sipphone: refusing call %s: %w", c.id, err)
			}
			return nil
		}
		// Abort the outbound INVITE with CANCEL; the 487 lands in the
		// response collector.
		return c.sendCancel(ctx)
	}

	if c.cancelDial != nil {
		c.cancelDial()
	}
	return c.sendBye(ctx)
}

// Mute toggles the outgoing media flag. Media is negotiated end to end;
// muting only stops our transmission, so no renegotiation is required.
func (c *call) Mute(ctx context.Context, muted bool) error {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return fmt.Errorf("sipphone: call %s already ended", c.id)
	}
	c.muted.Store(muted)
	return nil
}

// Muted reports whether outgoing media is suppressed.
func (c *call) Muted() bool {
	return c.muted.Load()
}

// SendDigits transmits DTMF digits with SIP INFO, one request per digit.
func (c *call) SendDigits(ctx context.Context, digits string) error {
	c.mu.Lock()
	if !c.answered || c.ended {
		c.mu.Unlock()
		return fmt.Errorf("sipphone: call %s not connected", c.id)
	}
	c.mu.Unlock()

	for _, d := range digits {
		req, err := c.buildInDialogRequest(sip.INFO)
		if err != nil {
			return err
		}
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", d)))

		tx, err := c.phone.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sipphone: sending info: %w", err)
		}
		res, err := getResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return fmt.Errorf("sipphone: waiting for info response: %w", err)
		}
		if res.StatusCode != 200 {
			return fmt.Errorf("sipphone: info rejected with %d %s", res.StatusCode, res.Reason)
		}
	}
	return nil
}

func (c *call) sendCancel(ctx context.Context) error {
	c.mu.Lock()
	req := c.inviteReq
	c.mu.Unlock()
	if req == nil {
		return nil
	}

	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.SetTransport(req.Transport())
	if cid := req.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	tx, err := c.phone.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sipphone: sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

func (c *call) sendBye(ctx context.Context) error {
	bye, err := c.buildInDialogRequest(sip.BYE)
	if err != nil {
		return err
	}

	tx, err := c.phone.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sipphone: sending bye: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("sipphone: waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("sipphone: bye rejected with %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// buildInDialogRequest constructs a request inside the established dialog:
// Request-URI from the remote Contact, From with our tag, To with theirs,
// the dialog's Call-ID, and the next CSeq.
func (c *call) buildInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inviteReq == nil {
		return nil, fmt.Errorf("sipphone: call %s has no dialog", c.id)
	}

	var recipient sip.Uri
	switch c.dir {
	case callOutbound:
		if c.inviteRes != nil && c.inviteRes.Contact() != nil {
			recipient = c.inviteRes.Contact().Address
		} else if to := c.inviteReq.To(); to != nil {
			recipient = to.Address
		}
	case callInbound:
		if contact := c.inviteReq.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else if from := c.inviteReq.From(); from != nil {
			recipient = from.Address
		}
	}

	req := sip.NewRequest(method, recipient)
	req.SetTransport(c.inviteReq.Transport())

	if len(c.inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", c.inviteReq, req)
	}

	if c.dir == callOutbound {
		// From is ours, as sent. To gains the remote tag from the 2xx.
		if from := c.inviteReq.From(); from != nil {
			req.AppendHeader(sip.HeaderClone(from))
		}
		if c.inviteRes != nil && c.inviteRes.To() != nil {
			req.AppendHeader(sip.HeaderClone(c.inviteRes.To()))
		} else if to := c.inviteReq.To(); to != nil {
			req.AppendHeader(sip.HeaderClone(to))
		}
	} else {
		// Roles swap for requests we originate inside a UAS dialog.
		if c.inviteRes != nil && c.inviteRes.To() != nil {
			to := c.inviteRes.To()
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := c.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if cid := c.inviteReq.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.localCSeq.Add(1),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	return req, nil
}

// remoteCancel marks a ringing inbound call torn down by the caller.
func (c *call) remoteCancel() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}

// fail emits an error event and drops the call from tracking.
func (c *call) fail(message string) {
	c.phone.logger.Warn("call failed", "call_id", c.id, "message", message)
	c.phone.removeCall(c.id)
	c.phone.emit(telephony.Event{
		Type:    telephony.EventError,
		CallID:  c.id,
		Message: message,
	})
}

// buildAckFor2xx constructs the ACK for a 2xx response per RFC 3261
// §13.2.2.4: a new transaction reusing the INVITE's CSeq number.
func buildAckFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag rides along.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

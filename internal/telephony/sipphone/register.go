package sipphone

import (
	"context"
	"fmt"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Register sends a digest-authenticated REGISTER to the provider edge. The
// credential's identity is the SIP username and its token the digest
// password.
func (p *Phone) Register(ctx context.Context, cred telephony.Credential) error {
	if cred.Identity == "" || cred.Token == "" {
		return fmt.Errorf("sipphone: credential missing identity or token")
	}
	if err := p.sendRegister(ctx, cred, p.cfg.RegisterExpiry); err != nil {
		return err
	}

	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()

	p.logger.Info("registered with provider edge",
		"identity", cred.Identity,
		"edge", p.edgeURI(),
	)
	return nil
}

// Unregister removes the binding with an Expires: 0 REGISTER.
func (p *Phone) Unregister(ctx context.Context) error {
	p.mu.Lock()
	cred := p.cred
	p.cred = telephony.Credential{}
	p.mu.Unlock()

	if cred.Identity == "" {
		return nil
	}
	if err := p.sendRegister(ctx, cred, 0); err != nil {
		return fmt.Errorf("sipphone: unregistering: %w", err)
	}
	p.logger.Info("unregistered from provider edge", "identity", cred.Identity)
	return nil
}

func (p *Phone) sendRegister(ctx context.Context, cred telephony.Credential, expiry int) error {
	recipientStr := p.edgeURI()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("sipphone: parsing edge uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(p.transportUpper())

	// From and To carry the identity's address of record.
	aor := fmt.Sprintf("<sip:%s@%s>", cred.Identity, p.cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s>", cred.Identity, p.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("sipphone: sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("sipphone: waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = p.retryWithAuth(ctx, req, res, cred, recipientStr)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("sipphone: register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// retryWithAuth answers a 401/407 digest challenge by re-sending the
// request with an Authorization header.
func (p *Phone) retryWithAuth(
	ctx context.Context,
	req *sip.Request,
	challenge *sip.Response,
	cred telephony.Credential,
	uri string,
) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("sipphone: received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("sipphone: parsing auth challenge: %w", err)
	}

	dig, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: cred.Identity,
		Password: cred.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("sipphone: computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, dig.String()))

	tx, err := p.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sipphone: sending authenticated request: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sipphone: waiting for authenticated response: %w", err)
	}
	return res, nil
}

// getResponse waits for the final response on a client transaction,
// absorbing provisionals.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("transaction error: %w", err)
			}
			return nil, fmt.Errorf("transaction ended without final response")
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

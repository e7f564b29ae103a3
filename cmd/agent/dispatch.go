package main

import (
	"context"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/admission"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/calllog"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/push"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/registrar"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/session"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
)

// eventDispatcher routes transport events to the right consumer: new
// inbound offers to the admission controller, credential warnings to the
// registrar, everything else to the session manager. Remote cancels go to
// both call consumers because only one of them knows the call.
type eventDispatcher struct {
	manager   *session.Manager
	admission *admission.Controller
	registrar *registrar.Registrar
}

func (d *eventDispatcher) handle(ev telephony.Event) {
	switch ev.Type {
	case telephony.EventIncoming:
		d.admission.HandleOffer(context.Background(), admission.Offer{
			ProviderID: ev.CallID,
			From:       ev.From,
			To:         ev.To,
			Handle:     ev.Handle,
			ReceivedAt: time.Now(),
		})
	case telephony.EventCancel:
		d.admission.HandleRemoteCancel(ev.CallID)
		d.manager.HandleTransportEvent(ev)
	case telephony.EventTokenWillExpire:
		d.registrar.Refresh()
	default:
		d.manager.HandleTransportEvent(ev)
	}
}

// lineAdapter narrows the session manager to the admission controller's
// view of the line.
type lineAdapter struct {
	manager *session.Manager
}

func (a *lineAdapter) Busy() bool { return a.manager.Busy() }

func (a *lineAdapter) AcceptIncoming(ctx context.Context, handle telephony.CallHandle, from string) error {
	_, err := a.manager.AcceptIncoming(ctx, handle, from)
	return err
}

// regGate exposes the registrar to the admission controller as a yes/no
// answerability check.
type regGate struct {
	reg *registrar.Registrar
}

func (g *regGate) Ready() bool {
	return g.reg.State().Status == registrar.StatusRegistered
}

// pushHandler feeds push notifications into the same admission path as
// transport offers. Push offers carry no call handle; the handle arrives
// later when the provider delivers the call over SIP. Every push also
// signals server-side change, so each one refreshes the call log cache.
type pushHandler struct {
	admission  *admission.Controller
	manager    *session.Manager
	reconciler *calllog.Reconciler
}

func (h *pushHandler) HandleIncomingPush(msg push.Message) {
	h.admission.HandleOffer(context.Background(), admission.Offer{
		ProviderID: msg.CallID,
		From:       msg.From,
		To:         msg.To,
		ReceivedAt: time.Now(),
	})
	go h.reconciler.OnPush()
}

func (h *pushHandler) HandleCancelPush(callID string) {
	h.admission.HandleRemoteCancel(callID)
	h.manager.HandleTransportEvent(telephony.Event{
		Type:   telephony.EventCancel,
		CallID: callID,
	})
	go h.reconciler.OnPush()
}

func (h *pushHandler) HandleStatusPush(push.Message) {
	go h.reconciler.OnPush()
}

package b2bua

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/dialogbridge/b2bua/internal/dialogue"
	"github.com/dialogbridge/b2bua/internal/sdpmangle"
)

// InboundTransaction is the inbound-side handle the SIP Transport gives
// the Dialogue Manager for a request it must forward: the request itself
// plus the server transaction used to answer it informationally or
// finally. Grounded on dialog.Manager's use of sip.ServerTransaction.
type InboundTransaction struct {
	ID      string
	Request *sip.Request
	Tx      sip.ServerTransaction
}

// ForwardInDialogue forwards an in-dialogue request across a bridge. d is
// the local leg the request arrived on; txn is the inbound transaction.
func (m *Manager) ForwardInDialogue(ctx context.Context, d *dialogue.Dialogue, txn InboundTransaction, localEP, remoteEP string) error {
	p, ok := m.dialogues.GetOpposite(d)
	if !ok {
		m.event(d.Owner(), "DialPlanError", remoteEP, "forward_in_dialogue: no opposite dialogue")
		m.observer.OnDialPlanError(d.ID, "no opposite dialogue")
		return nil
	}

	fwd, branch, err := m.buildForwardedRequest(txn.Request, p, localEP)
	if err != nil {
		m.logger.Error("b2bua: build forwarded request failed", "dialogue", d.ID, "error", err)
		return err
	}

	apparentSrc := txn.Request.GetHeader("Proxy-Received-From")
	apparentAddr := remoteEP
	if apparentSrc != nil {
		apparentAddr = apparentSrc.Value()
	}
	mangleIfSDP(fwd, txn.Request.IsInvite(), apparentAddr)

	endpoint, err := m.transport.GetRequestEndpoint(fwd, "", true)
	if err != nil || endpoint == "" {
		m.event(d.Owner(), "DialPlanError", remoteEP, "forward_in_dialogue: no endpoint resolved")
		m.observer.OnDialPlanError(d.ID, "no endpoint resolved")
		return nil
	}

	// Ordering guarantee O2: the map entry must be installed before the
	// request is dispatched.
	m.txns.put(branch, txn.ID)

	fwdTx, err := m.dispatchForwarded(ctx, fwd, txn)
	if err != nil {
		m.txns.remove(branch)
		m.logger.Error("b2bua: dispatch forwarded request failed", "dialogue", d.ID, "error", err)
		return err
	}

	go m.watchForwardedResponses(branch, fwdTx, txn, localEP)

	if cseq := txn.Request.CSeq(); cseq != nil {
		d.SetCSeq(cseq.SeqNo)
	}

	return nil
}

func (m *Manager) dispatchForwarded(ctx context.Context, fwd *sip.Request, origin InboundTransaction) (ClientTransaction, error) {
	if fwd.IsInvite() {
		return m.transport.CreateUACTransaction(ctx, fwd)
	}
	return m.transport.CreateNonInviteTransaction(ctx, fwd)
}

// buildForwardedRequest rewrites a copy of req: URI, Routes,
// Call-ID, CSeq, To, From, Contact, a single fresh Via with a freshly
// minted branch, cleared Authorization, and a set User-Agent. It returns
// the new request and the branch id used, so the caller can key the
// in-dialogue transaction map entry on it.
func (m *Manager) buildForwardedRequest(req *sip.Request, p *dialogue.Dialogue, localEP string) (*sip.Request, string, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(p.RemoteTarget(), &recipient); err != nil {
		return nil, "", fmt.Errorf("parse peer remote target: %w", err)
	}

	fwd := sip.NewRequest(req.Method, recipient)
	if req.Body() != nil {
		fwd.SetBody(req.Body())
	}

	for _, r := range p.RouteSet() {
		var routeURI sip.Uri
		if err := sip.ParseUri(r, &routeURI); err == nil {
			fwd.AppendHeader(&sip.RouteHeader{Address: routeURI})
		}
	}

	fwd.AppendHeader(sip.NewHeader("Call-ID", p.CallID))
	fwd.AppendHeader(&sip.CSeqHeader{SeqNo: p.NextCSeq(), MethodName: req.Method})

	remoteUF := p.RemoteUserField()
	toHdr := &sip.ToHeader{DisplayName: remoteUF.DisplayName, Address: mustURI(remoteUF.URI), Params: sip.NewParams()}
	toHdr.Params.Add("tag", p.RemoteTag)
	fwd.AppendHeader(toHdr)

	localUF := p.LocalUserField()
	fromHdr := &sip.FromHeader{DisplayName: localUF.DisplayName, Address: mustURI(localUF.URI), Params: sip.NewParams()}
	fromHdr.Params.Add("tag", p.LocalTag)
	fwd.AppendHeader(fromHdr)

	var localURI sip.Uri
	_ = sip.ParseUri(localEP, &localURI)
	fwd.AppendHeader(&sip.ContactHeader{Address: localURI})

	branch := newBranch()
	viaParams := sip.NewParams()
	viaParams.Add("branch", branch)
	fwd.AppendHeader(&sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: localURI.Host, Port: localURI.Port, Params: viaParams})

	fwd.RemoveHeader("Authorization")
	fwd.AppendHeader(sip.NewHeader("User-Agent", "dialogbridge"))

	if psf := p.ProxySendFrom(); psf != "" {
		fwd.AppendHeader(sip.NewHeader("Proxy-Send-From", psf))
	}

	maxFwd := sip.MaxForwardsHeader(70)
	fwd.AppendHeader(&maxFwd)

	// Carry over every other header of req (Refer-To, Event, Content-Type,
	// ...); the ones rebuilt above are skipped.
	for _, h := range req.Headers() {
		switch strings.ToLower(h.Name()) {
		case "via", "route", "record-route", "call-id", "cseq", "to", "from", "contact",
			"authorization", "user-agent", "proxy-send-from", "max-forwards", "content-length":
			continue
		}
		fwd.AppendHeader(sip.NewHeader(h.Name(), h.Value()))
	}

	if req.Body() != nil {
		fwd.RemoveHeader("Content-Length")
		fwd.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(req.Body()))))
	}

	return fwd, branch, nil
}

// watchForwardedResponses relays responses back to the originating side: every
// response on the forwarded transaction is rebuilt against the origin
// request's Via/To/From/Call-ID/CSeq (route set stripped) and dispatched
// on the origin server transaction, informationally or finally to match.
// On transaction removal the map entry is deleted under lock.
func (m *Manager) watchForwardedResponses(branch string, fwdTx ClientTransaction, origin InboundTransaction, localEP string) {
	defer m.txns.remove(branch)

	for {
		select {
		case resp, ok := <-fwdTx.Responses():
			if !ok {
				return
			}
			m.relayResponse(resp, origin, localEP)
			if resp.StatusCode >= 200 {
				return
			}
		case <-fwdTx.Done():
			return
		}
	}
}

func (m *Manager) relayResponse(resp *sip.Response, origin InboundTransaction, localEP string) {
	out := sip.NewResponseFromRequest(origin.Request, resp.StatusCode, resp.Reason, resp.Body())

	if via := origin.Request.Via(); via != nil {
		out.RemoveHeader("Via")
		out.AppendHeader(via)
	}
	if to := origin.Request.To(); to != nil {
		out.RemoveHeader("To")
		out.AppendHeader(to)
	}
	if from := origin.Request.From(); from != nil {
		out.RemoveHeader("From")
		out.AppendHeader(from)
	}
	if callID := origin.Request.CallID(); callID != nil {
		out.RemoveHeader("Call-ID")
		out.AppendHeader(callID)
	}
	if cseq := origin.Request.CSeq(); cseq != nil {
		out.RemoveHeader("CSeq")
		out.AppendHeader(cseq)
	}
	out.RemoveHeader("Route")

	if localEP != "" {
		var localURI sip.Uri
		if err := sip.ParseUri(localEP, &localURI); err == nil {
			out.AppendHeader(&sip.ContactHeader{Address: localURI})
		}
	}

	out.AppendHeader(sip.NewHeader("User-Agent", "dialogbridge"))

	if origin.Request.IsInvite() && out.Body() != nil && localEP != "" {
		if newBody, changed, err := sdpmangle.Mangle(out.Body(), localEP); err == nil && changed {
			out.SetBody(newBody)
			out.RemoveHeader("Content-Length")
			out.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(newBody))))
		}
	}

	if origin.Tx != nil {
		if err := origin.Tx.Respond(out); err != nil {
			m.logger.Error("b2bua: relay response failed", "error", err)
		}
	}
}

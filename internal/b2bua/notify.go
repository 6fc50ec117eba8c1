package b2bua

import (
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/dialogbridge/b2bua/internal/dialogue"
)

// buildReferNotify constructs a NOTIFY request reporting REFER progress,
// Event: refer, Content-Type: message/sipfrag;version=2.0,
// body is a single SIP status line, and Subscription-State reflects
// whether the transfer is still in progress or done. This has no
// grounding in the teacher repo (it never implements REFER); it follows
// dialog.Dialog.BuildBYE/BuildReINVITE's header-construction idiom —
// Request-URI from the remote target, Route copied from the route set,
// one fresh Via/branch, Max-Forwards 70 — applied to a new method.
func buildReferNotify(d *dialogue.Dialogue, localContact sip.Uri, statusCode sip.StatusCode, reason string, terminal bool) (*sip.Request, error) {
	var uri sip.Uri
	if err := sip.ParseUri(d.RemoteTarget(), &uri); err != nil {
		return nil, fmt.Errorf("b2bua: parse remote target for NOTIFY: %w", err)
	}

	req := sip.NewRequest(sip.NOTIFY, uri)
	for _, r := range d.RouteSet() {
		var routeURI sip.Uri
		if err := sip.ParseUri(r, &routeURI); err == nil {
			req.AppendHeader(&sip.RouteHeader{Address: routeURI})
		}
	}

	localUF := d.LocalUserField()
	remoteUF := d.RemoteUserField()

	fromHdr := &sip.FromHeader{
		DisplayName: localUF.DisplayName,
		Address:     mustURI(localUF.URI),
		Params:      sip.NewParams(),
	}
	fromHdr.Params.Add("tag", d.LocalTag)
	req.AppendHeader(fromHdr)

	toHdr := &sip.ToHeader{
		DisplayName: remoteUF.DisplayName,
		Address:     mustURI(remoteUF.URI),
		Params:      sip.NewParams(),
	}
	toHdr.Params.Add("tag", d.RemoteTag)
	req.AppendHeader(toHdr)

	req.AppendHeader(sip.NewHeader("Call-ID", d.CallID))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.NextCSeq(), MethodName: sip.NOTIFY})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	req.AppendHeader(viaHeader(localContact))

	req.AppendHeader(sip.NewHeader("Event", "refer"))
	subState := "active;expires=32"
	if terminal {
		subState = "terminated;reason=noresource"
	}
	req.AppendHeader(sip.NewHeader("Subscription-State", subState))

	body := []byte(fmt.Sprintf("SIP/2.0 %d %s", statusCode, reason))
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))

	return req, nil
}

func viaHeader(localContact sip.Uri) *sip.ViaHeader {
	p := sip.NewParams()
	p.Add("branch", newBranch())
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            localContact.Host,
		Port:            localContact.Port,
		Params:          p,
	}
}

func mustURI(raw string) sip.Uri {
	var u sip.Uri
	_ = sip.ParseUri(raw, &u)
	return u
}

package b2bua

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/dialogbridge/b2bua/internal/dialogue"
)

// ReInvite implements the re-INVITE operation: bump and persist d.cseq,
// build an INVITE carrying replacementSDP, resolve the next hop, and
// dispatch through the transaction layer. Re-INVITEs never create a CDR
// row — only the original bridge creation does. The final-response path
// is a stub per design note (b): it only re-locates the dialogue for
// observability, matching the source's mostly-commented-out handler.
func (m *Manager) ReInvite(ctx context.Context, d *dialogue.Dialogue, replacementSDP []byte) error {
	seq := d.NextCSeq()

	var recipient sip.Uri
	if err := sip.ParseUri(d.RemoteTarget(), &recipient); err != nil {
		return fmt.Errorf("b2bua: re-INVITE parse remote target: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetBody(replacementSDP)

	for _, r := range d.RouteSet() {
		var routeURI sip.Uri
		if err := sip.ParseUri(r, &routeURI); err == nil {
			req.AppendHeader(&sip.RouteHeader{Address: routeURI})
		}
	}

	localUF := d.LocalUserField()
	remoteUF := d.RemoteUserField()

	fromHdr := &sip.FromHeader{DisplayName: localUF.DisplayName, Address: mustURI(localUF.URI), Params: sip.NewParams()}
	fromHdr.Params.Add("tag", d.LocalTag)
	req.AppendHeader(fromHdr)

	toHdr := &sip.ToHeader{DisplayName: remoteUF.DisplayName, Address: mustURI(remoteUF.URI), Params: sip.NewParams()}
	toHdr.Params.Add("tag", d.RemoteTag)
	req.AppendHeader(toHdr)

	req.AppendHeader(sip.NewHeader("Call-ID", d.CallID))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: m.localContact})
	req.AppendHeader(viaHeader(m.localContact))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(replacementSDP))))

	if _, err := m.transport.GetRequestEndpoint(req, "", true); err != nil {
		return fmt.Errorf("b2bua: re-INVITE endpoint resolution: %w", err)
	}

	fwdTx, err := m.transport.CreateUACTransaction(ctx, req)
	if err != nil {
		return fmt.Errorf("b2bua: re-INVITE dispatch: %w", err)
	}

	go m.watchReInviteResponse(d.ID, fwdTx)
	return nil
}

// watchReInviteResponse re-locates the dialogue on the final response
// purely for observability; it never mutates state itself (open question
// (b): ReInviteTransactionFinalResponseReceived is a no-op beyond that).
func (m *Manager) watchReInviteResponse(dialogueID string, tx ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode >= 200 {
				if _, found := m.dialogues.Get(dialogueID); !found {
					m.logger.Warn("b2bua: re-INVITE final response for vanished dialogue", "dialogue", dialogueID)
				}
				return
			}
		case <-tx.Done():
			return
		}
	}
}

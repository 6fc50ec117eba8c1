package b2bua

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dialogbridge/b2bua/internal/dialogue"
)

// HandleRefer implements the attended-transfer state machine: parse
// Refer-To, decide blind vs. attended, and run the attended flow's seven
// numbered steps. A missing opposite dialogue in step 1, or a panic at any
// step of the attended flow, answers the REFER with 500 Internal Server
// Error, per the error
// taxonomy's InternalFault entry; per-step failures past step 3 are
// logged but never roll back earlier steps (open question (c)).
func (m *Manager) HandleRefer(ctx context.Context, d *dialogue.Dialogue, req *sip.Request, tx sip.ServerTransaction) {
	referToHdr := req.GetHeader("Refer-To")
	if referToHdr == nil {
		m.respond(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}

	var referTo sip.Uri
	if err := sip.ParseUri(referToHdr.Value(), &referTo); err != nil {
		m.respond(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}

	replacesParam, hasReplaces := referTo.Headers.Get("Replaces")
	if !hasReplaces || replacesParam == "" {
		// Blind transfer: delegate to forward_in_dialogue, terminal.
		_ = m.ForwardInDialogue(ctx, d, InboundTransaction{ID: uuid.NewString(), Request: req, Tx: tx}, "", "")
		return
	}

	r, found := m.dialogues.GetByReplaces(replacesParam)
	if !found {
		_ = m.ForwardInDialogue(ctx, d, InboundTransaction{ID: uuid.NewString(), Request: req, Tx: tx}, "", "")
		return
	}

	m.runAttendedTransfer(ctx, d, r, tx, req)
}

// runAttendedTransfer is steps 1-7 of the attended-transfer diagram.
func (m *Manager) runAttendedTransfer(ctx context.Context, d, r *dialogue.Dialogue, tx sip.ServerTransaction, req *sip.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("b2bua: panic in attended transfer", "panic", rec)
			m.respond(tx, req, sip.StatusInternalServerError, "Internal Server Error")
		}
	}()

	// Step 1.
	rem, remOK := m.dialogues.GetOpposite(r)
	rem2, rem2OK := m.dialogues.GetOpposite(d)
	if !remOK || !rem2OK {
		m.logger.Error("b2bua: attended transfer missing opposite dialogue", "d", d.ID, "r", r.ID)
		m.respond(tx, req, sip.StatusInternalServerError, "Internal Server Error")
		return
	}

	// Step 2.
	bridgeID := uuid.NewString()
	rem.SetBridgeID(bridgeID)
	rem2.SetBridgeID(bridgeID)
	rem.NextCSeq()
	rem2.NextCSeq()

	// Step 3.
	m.respond(tx, req, sip.StatusAccepted, "Accepted")

	// Step 4.
	m.sendReferNotify(ctx, d, sip.StatusTrying, "Trying", false)

	// Step 5: no ordering guarantee required between the two re-INVITEs
	// (O3), so run them concurrently and merely wait for both.
	var g errgroup.Group
	g.Go(func() error { return m.ReInvite(ctx, rem, rem2.RemoteSDP()) })
	g.Go(func() error { return m.ReInvite(ctx, rem2, rem.RemoteSDP()) })
	if err := g.Wait(); err != nil {
		m.logger.Error("b2bua: attended transfer re-INVITE failed", "error", err)
	}

	// Step 6.
	m.sendReferNotify(ctx, d, sip.StatusOK, "OK", true)

	// Step 7: D and R's call legs are terminated outright (their peers
	// have already moved to the new bridge), not via the ordinary
	// peer-propagation CallHungup path.
	m.terminateDialogue(ctx, d, "Attended transfer")
	m.terminateDialogue(ctx, r, "Attended transfer")
}

func (m *Manager) sendReferNotify(ctx context.Context, d *dialogue.Dialogue, statusCode sip.StatusCode, reason string, terminal bool) {
	notify, err := buildReferNotify(d, m.localContact, statusCode, reason, terminal)
	if err != nil {
		m.logger.Error("b2bua: build REFER NOTIFY failed", "dialogue", d.ID, "error", err)
		return
	}
	if _, err := m.transport.CreateNonInviteTransaction(ctx, notify); err != nil {
		m.logger.Error("b2bua: send REFER NOTIFY failed", "dialogue", d.ID, "error", err)
	}
}

// terminateDialogue sends a direct BYE to d's own remote target, then
// removes it from the index and closes its CDR, independent of whether d
// still has a live peer — used where a transfer has already detached d's
// old peer onto a new bridge, so the ordinary bridged-peer CallHungup path
// does not apply.
func (m *Manager) terminateDialogue(ctx context.Context, d *dialogue.Dialogue, cause string) {
	m.sendBYE(ctx, d)
	m.hangupCDR(d, cause)
	bridgeID := d.BridgeID()
	m.dialogues.Remove(d.ID)
	m.observer.OnDialogueRemoved(d.ID, bridgeID)
}

func (m *Manager) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(resp); err != nil {
		m.logger.Error("b2bua: respond failed", "code", code, "error", err)
	}
}

// Package b2bua implements the Dialogue Manager: bridge creation, hangup
// propagation, in-dialogue request/response forwarding, and the
// REFER/Replaces transfer state machine. It is
// grounded on internal/signaling/dialog.Manager (lookup/forwarding idiom)
// and internal/signaling/b2bua.bridgeImpl (callback-slot, atomic-counter,
// done-channel-once idioms) from the teacher repo, generalized to the
// value-based bridge_id model instead of a stored
// Bridge type.
package b2bua

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dialogbridge/b2bua/internal/cdr"
	"github.com/dialogbridge/b2bua/internal/dialogue"
	"github.com/dialogbridge/b2bua/internal/sdpmangle"
	"github.com/dialogbridge/b2bua/internal/store"
)

// Manager is the Dialogue Manager. It owns no long-lived state beyond the
// in-dialogue transaction map; the dialogue
// and CDR stores are shared with the rest of the process.
type Manager struct {
	dialogues *dialogue.Index
	cdrs      *store.Store[*cdr.CDR]
	txns      *txnMap

	transport Transport
	observer  Observer
	monitor   Monitor
	logger    *slog.Logger

	localContact sip.Uri

	// remoteHangupCause is the cause recorded on a peer's CDR when the
	// local side hangs up.
	remoteHangupCause string
}

// Config bundles Manager construction dependencies.
type Config struct {
	Dialogues         *dialogue.Index
	CDRs              *store.Store[*cdr.CDR]
	Transport         Transport
	Observer          Observer
	Monitor           Monitor
	Logger            *slog.Logger
	LocalContact      sip.Uri
	RemoteHangupCause string
}

// NewManager builds a Manager. Observer and Monitor default to no-ops and
// Logger to slog.Default(), matching design notes "Event delegates" and
// "Global logger".
func NewManager(cfg Config) *Manager {
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RemoteHangupCause == "" {
		cfg.RemoteHangupCause = "peer-hangup"
	}
	return &Manager{
		dialogues:         cfg.Dialogues,
		cdrs:              cfg.CDRs,
		txns:              newTxnMap(),
		transport:         cfg.Transport,
		observer:          cfg.Observer,
		monitor:           cfg.Monitor,
		logger:            cfg.Logger,
		localContact:      cfg.LocalContact,
		remoteHangupCause: cfg.RemoteHangupCause,
	}
}

func (m *Manager) event(owner, eventType, remoteEP, text string) {
	if m.monitor != nil {
		m.monitor.Event(owner, "b2bua", eventType, remoteEP, text)
	}
}

// CreateBridge assigns both dialogues a fresh bridge_id and emits
// DialogueCreated for each. Precondition: neither dialogue is currently
// bridged (invariant I2's cardinality-≤2 rule — a dialogue can only ever
// be one side of one bridge at a time).
func (m *Manager) CreateBridge(ctx context.Context, a, b *dialogue.Dialogue, owner string) error {
	if a.BridgeID() != "" || b.BridgeID() != "" {
		return ErrAlreadyBridged
	}
	bridgeID := uuid.NewString()
	a.SetBridgeID(bridgeID)
	b.SetBridgeID(bridgeID)

	m.observer.OnDialogueCreated(a.ID, bridgeID)
	m.observer.OnDialogueCreated(b.ID, bridgeID)
	m.event(owner, "DialogueCreated", "", fmt.Sprintf("bridge %s: %s <-> %s", bridgeID, a.ID, b.ID))
	return nil
}

// CallHungup handles a local or remote hangup: if d is bridged, locate
// the peer, update both CDRs, BYE the peer, delete both dialogue records,
// and emit DialogueRemoved for each. Every step is best-effort and
// individually logged; a failure in one step must not prevent the others.
func (m *Manager) CallHungup(ctx context.Context, d *dialogue.Dialogue, cause string) {
	p, ok := m.dialogues.GetOpposite(d)
	if !ok {
		m.logger.Warn("b2bua: call_hungup on unbridged dialogue", "dialogue", d.ID)
		return
	}

	m.hangupCDR(d, cause)
	m.hangupCDR(p, m.remoteHangupCause)
	m.sendBYE(ctx, p)

	bridgeID := d.BridgeID()
	m.dialogues.Remove(d.ID)
	m.dialogues.Remove(p.ID)
	m.observer.OnDialogueRemoved(d.ID, bridgeID)
	m.observer.OnDialogueRemoved(p.ID, bridgeID)
}

func (m *Manager) hangupCDR(d *dialogue.Dialogue, cause string) {
	id := d.CDRID()
	if id == "" {
		return
	}
	record, ok := m.cdrs.GetByID(id)
	if !ok {
		m.logger.Warn("b2bua: cdr missing for dialogue", "dialogue", d.ID, "cdr", id)
		return
	}
	record.Hungup(cause)
}

// sendBYE builds and dispatches a BYE addressed to d's own remote target
// and route set, bumping d.cseq, grounded on dialog.Manager.sendBYE's
// "manually build and send via sipClient" path.
func (m *Manager) sendBYE(ctx context.Context, d *dialogue.Dialogue) {
	req, err := m.buildByeRequest(d)
	if err != nil {
		m.logger.Error("b2bua: build BYE failed", "dialogue", d.ID, "error", err)
		return
	}
	if _, err := m.transport.CreateNonInviteTransaction(ctx, req); err != nil {
		m.logger.Error("b2bua: send BYE failed", "dialogue", d.ID, "error", err)
	}
}

func (m *Manager) buildByeRequest(d *dialogue.Dialogue) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(d.RemoteTarget(), &recipient); err != nil {
		return nil, fmt.Errorf("parse remote target: %w", err)
	}

	req := sip.NewRequest(sip.BYE, recipient)
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
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.NextCSeq(), MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: m.localContact})
	req.AppendHeader(viaHeader(m.localContact))

	return req, nil
}

// mangleIfSDP applies sdpmangle.Mangle to an INVITE body using apparentSrc
// as the replacement address, recomputing Content-Length when changed. It
// is used by the request-forwarding path; relayResponse mangles response
// bodies with its own call to sdpmangle.Mangle.
func mangleIfSDP(req *sip.Request, isInvite bool, apparentSrc string) {
	if !isInvite || req.Body() == nil || apparentSrc == "" {
		return
	}
	newBody, changed, err := sdpmangle.Mangle(req.Body(), apparentSrc)
	if err != nil || !changed {
		return
	}
	req.SetBody(newBody)
	req.RemoveHeader("Content-Length")
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(newBody))))
}

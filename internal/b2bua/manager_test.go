package b2bua

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dialogbridge/b2bua/internal/cdr"
	"github.com/dialogbridge/b2bua/internal/dialogue"
	"github.com/dialogbridge/b2bua/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClientTx is a ClientTransaction whose Done channel is pre-closed, so
// watchForwardedResponses/watchReInviteResponse's select returns immediately
// instead of leaking a goroutine for the lifetime of the test.
type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
}

func closedClientTx() *fakeClientTx {
	ct := &fakeClientTx{responses: make(chan *sip.Response), done: make(chan struct{})}
	close(ct.done)
	return ct
}

func (c *fakeClientTx) Responses() <-chan *sip.Response { return c.responses }
func (c *fakeClientTx) Done() <-chan struct{}            { return c.done }
func (c *fakeClientTx) Err() error                       { return nil }

// fakeTransport records every dispatched request and its transaction kind,
// standing in for the sipgo-backed Transport the real Manager is built
// against (the transaction layer itself has no exported fake in the
// sipgo module this repo vendors against).
type fakeTransport struct {
	mu        sync.Mutex
	uac       []*sip.Request
	nonInvite []*sip.Request
	endpoint  string
	defaultEP string
}

func (f *fakeTransport) CreateUACTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	f.mu.Lock()
	f.uac = append(f.uac, req)
	f.mu.Unlock()
	return closedClientTx(), nil
}

func (f *fakeTransport) CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	f.mu.Lock()
	f.nonInvite = append(f.nonInvite, req)
	f.mu.Unlock()
	return closedClientTx(), nil
}

func (f *fakeTransport) GetTransaction(id string) (ClientTransaction, bool) { return nil, false }

func (f *fakeTransport) GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error) {
	return f.endpoint, nil
}

func (f *fakeTransport) GetDefaultEndpoint(protocol string) (string, error) {
	return f.defaultEP, nil
}

func (f *fakeTransport) dispatched() (uac, nonInvite int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uac), len(f.nonInvite)
}

// fakeObserver records every callback invocation for assertion.
type fakeObserver struct {
	mu      sync.Mutex
	created [][2]string
	removed [][2]string
	errs    [][2]string
}

func (f *fakeObserver) OnDialogueCreated(dialogueID, bridgeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, [2]string{dialogueID, bridgeID})
}

func (f *fakeObserver) OnDialogueRemoved(dialogueID, bridgeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, [2]string{dialogueID, bridgeID})
}

func (f *fakeObserver) OnDialPlanError(dialogueID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, [2]string{dialogueID, reason})
}

func parseURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(raw, &u))
	return u
}

type testRig struct {
	mgr       *Manager
	dialogues *dialogue.Index
	cdrs      *store.Store[*cdr.CDR]
	transport *fakeTransport
	observer  *fakeObserver
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ft := &fakeTransport{endpoint: "udp:203.0.113.9:5060"}
	fo := &fakeObserver{}
	idx := dialogue.NewIndex(store.New[*dialogue.Dialogue]())
	cdrs := store.New[*cdr.CDR]()
	mgr := NewManager(Config{
		Dialogues:    idx,
		CDRs:         cdrs,
		Transport:    ft,
		Observer:     fo,
		Logger:       slog.Default(),
		LocalContact: parseURI(t, "sip:bridge@127.0.0.1:5060"),
	})
	return &testRig{mgr: mgr, dialogues: idx, cdrs: cdrs, transport: ft, observer: fo}
}

func newLeg(id, callID, localTag, remoteTag string) *dialogue.Dialogue {
	d := dialogue.New(id, callID, localTag, remoteTag, 1, "owner")
	d.SetRemoteTarget("sip:peer-" + id + "@example.com")
	d.SetLocalUserField(dialogue.UserField{DisplayName: "Local " + id, URI: "sip:local-" + id + "@example.com"})
	d.SetRemoteUserField(dialogue.UserField{DisplayName: "Remote " + id, URI: "sip:remote-" + id + "@example.com"})
	return d
}

func TestCreateBridge(t *testing.T) {
	rig := newTestRig(t)
	a := newLeg("a", "call-a", "La", "Ra")
	b := newLeg("b", "call-b", "Lb", "Rb")

	require.NoError(t, rig.mgr.CreateBridge(context.Background(), a, b, "owner"))

	assert.NotEmpty(t, a.BridgeID())
	assert.Equal(t, a.BridgeID(), b.BridgeID())
	assert.Len(t, rig.observer.created, 2)
}

func TestCreateBridgeRejectsAlreadyBridged(t *testing.T) {
	rig := newTestRig(t)
	a := newLeg("a", "call-a", "La", "Ra")
	b := newLeg("b", "call-b", "Lb", "Rb")
	a.SetBridgeID("existing-bridge")

	err := rig.mgr.CreateBridge(context.Background(), a, b, "owner")
	assert.ErrorIs(t, err, ErrAlreadyBridged)
}

func TestCallHungup(t *testing.T) {
	rig := newTestRig(t)
	a := newLeg("a", "call-a", "La", "Ra")
	b := newLeg("b", "call-b", "Lb", "Rb")
	bridgeID := "bridge-1"
	a.SetBridgeID(bridgeID)
	b.SetBridgeID(bridgeID)
	rig.dialogues.Add(a)
	rig.dialogues.Add(b)

	record := cdr.New("cdr-1", bridgeID, a.ID, b.ID)
	rig.cdrs.Add("cdr-1", record)
	a.SetCDRID("cdr-1")
	b.SetCDRID("cdr-1")

	rig.mgr.CallHungup(context.Background(), a, "normal clearing")

	_, ended := record.EndedAt()
	assert.True(t, ended)
	assert.Equal(t, "normal clearing", record.HangupCause())

	_, aFound := rig.dialogues.Get(a.ID)
	_, bFound := rig.dialogues.Get(b.ID)
	assert.False(t, aFound)
	assert.False(t, bFound)
	assert.Len(t, rig.observer.removed, 2)

	_, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 1, nonInvite, "peer must be sent exactly one BYE")
}

func TestCallHungupOnUnbridgedDialogueIsNoop(t *testing.T) {
	rig := newTestRig(t)
	a := newLeg("a", "call-a", "La", "Ra")
	rig.dialogues.Add(a)

	rig.mgr.CallHungup(context.Background(), a, "normal clearing")

	_, found := rig.dialogues.Get(a.ID)
	assert.True(t, found, "an unbridged dialogue must not be touched")
	assert.Empty(t, rig.observer.removed)
}

func TestForwardInDialogue(t *testing.T) {
	rig := newTestRig(t)
	d := newLeg("d", "call-d", "Ld", "Rd")
	p := newLeg("p", "call-p", "Lp", "Rp")
	d.SetBridgeID("bridge-1")
	p.SetBridgeID("bridge-1")
	rig.dialogues.Add(d)
	rig.dialogues.Add(p)

	req := sip.NewRequest(sip.RequestMethod("INFO"), parseURI(t, "sip:bridge@127.0.0.1:5060"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 5, MethodName: sip.RequestMethod("INFO")})

	err := rig.mgr.ForwardInDialogue(context.Background(), d, InboundTransaction{ID: "txn-1", Request: req, Tx: nil}, "sip:bridge@127.0.0.1:5060", "198.51.100.1:5060")
	require.NoError(t, err)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 0, uac)
	assert.Equal(t, 1, nonInvite)
	assert.Equal(t, uint32(5), d.CSeq())
}

func TestForwardInDialogueWithoutOppositeEmitsDialPlanError(t *testing.T) {
	rig := newTestRig(t)
	d := newLeg("d", "call-d", "Ld", "Rd")
	rig.dialogues.Add(d)

	req := sip.NewRequest(sip.RequestMethod("INFO"), parseURI(t, "sip:bridge@127.0.0.1:5060"))

	err := rig.mgr.ForwardInDialogue(context.Background(), d, InboundTransaction{ID: "txn-1", Request: req, Tx: nil}, "", "198.51.100.1:5060")
	require.NoError(t, err)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 0, uac+nonInvite)
	assert.Len(t, rig.observer.errs, 1)
}

func TestBlindTransfer(t *testing.T) {
	rig := newTestRig(t)
	dead := newLeg("dead", "call-dead", "Ld", "Rd")
	orphan := newLeg("orphan", "call-orphan", "Lo", "Ro")
	answered := newLeg("answered", "call-answered", "La", "Ra")
	answered.SetRemoteSDP([]byte("v=0\r\n"))

	oldBridge := "bridge-old"
	dead.SetBridgeID(oldBridge)
	orphan.SetBridgeID(oldBridge)
	rig.dialogues.Add(dead)
	rig.dialogues.Add(orphan)

	err := rig.mgr.BlindTransfer(context.Background(), dead, orphan, answered)
	require.NoError(t, err)

	assert.NotEmpty(t, orphan.BridgeID())
	assert.NotEqual(t, oldBridge, orphan.BridgeID())
	assert.Equal(t, orphan.BridgeID(), answered.BridgeID())

	_, found := rig.dialogues.Get(answered.ID)
	assert.True(t, found)
	_, deadFound := rig.dialogues.Get(dead.ID)
	assert.False(t, deadFound)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 1, uac, "orphan must be re-INVITEd with answered's SDP")
	assert.Equal(t, 1, nonInvite, "dead must be sent a BYE")
}

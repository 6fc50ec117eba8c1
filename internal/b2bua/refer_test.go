package b2bua

import (
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"

	"github.com/dialogbridge/b2bua/internal/dialogue"
)

func newReferRequest(t *testing.T, referTo string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.RequestMethod("REFER"), parseURI(t, "sip:bridge@127.0.0.1:5060"))
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	return req
}

// Without a Replaces header, HandleRefer treats the REFER as a blind
// transfer and forwards it across the bridge like any other in-dialogue
// request.
func TestHandleReferBlindTransfer(t *testing.T) {
	rig := newTestRig(t)
	d := newLeg("d", "call-d", "Ld", "Rd")
	p := newLeg("p", "call-p", "Lp", "Rp")
	d.SetBridgeID("bridge-1")
	p.SetBridgeID("bridge-1")
	rig.dialogues.Add(d)
	rig.dialogues.Add(p)

	req := newReferRequest(t, "sip:charlie@example.com")

	rig.mgr.HandleRefer(context.Background(), d, req, nil)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 0, uac)
	assert.Equal(t, 1, nonInvite, "the REFER must be forwarded to the opposite leg")
}

// A Refer-To carrying a resolvable Replaces header runs the full
// attended-transfer flow: the two bystander legs (rem, rem2) are rebridged
// to each other with fresh re-INVITEs, and both transferor legs (d, r) are
// torn down.
func TestHandleReferAttendedTransfer(t *testing.T) {
	rig := newTestRig(t)

	d := newLeg("d", "call-d", "Ld", "Rd")
	rem2 := newLeg("rem2", "call-rem2", "Lrem2", "Rrem2")
	r := dialogue.New("r", "r-callid", "Rto", "Rfrom", 1, "owner")
	r.SetRemoteTarget("sip:peer-r@example.com")
	r.SetLocalUserField(dialogue.UserField{DisplayName: "Local r", URI: "sip:local-r@example.com"})
	r.SetRemoteUserField(dialogue.UserField{DisplayName: "Remote r", URI: "sip:remote-r@example.com"})
	rem := newLeg("rem", "call-rem", "Lrem", "Rrem")

	d.SetBridgeID("bridge-d")
	rem2.SetBridgeID("bridge-d")
	r.SetBridgeID("bridge-r")
	rem.SetBridgeID("bridge-r")

	rem.SetRemoteSDP([]byte("v=0\r\no=rem\r\n"))
	rem2.SetRemoteSDP([]byte("v=0\r\no=rem2\r\n"))

	rig.dialogues.Add(d)
	rig.dialogues.Add(rem2)
	rig.dialogues.Add(r)
	rig.dialogues.Add(rem)

	req := newReferRequest(t, "sip:target@example.com?Replaces=r-callid;to-tag=Rto;from-tag=Rfrom")

	rig.mgr.HandleRefer(context.Background(), d, req, nil)

	assert.NotEmpty(t, rem.BridgeID())
	assert.Equal(t, rem.BridgeID(), rem2.BridgeID())
	assert.NotEqual(t, "bridge-d", rem.BridgeID())
	assert.NotEqual(t, "bridge-r", rem.BridgeID())

	_, dFound := rig.dialogues.Get(d.ID)
	_, rFound := rig.dialogues.Get(r.ID)
	assert.False(t, dFound, "transferor leg d must be torn down")
	assert.False(t, rFound, "replaced leg r must be torn down")

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 2, uac, "both bystander legs must be re-INVITEd")
	assert.Equal(t, 4, nonInvite, "two BYEs (d, r) plus two REFER NOTIFYs (trying, ok)")
}

// When the Replaces header cannot be resolved to a known dialogue, HandleRefer
// falls back to the blind-transfer path instead of erroring.
func TestHandleReferUnresolvableReplacesFallsBackToBlind(t *testing.T) {
	rig := newTestRig(t)
	d := newLeg("d", "call-d", "Ld", "Rd")
	p := newLeg("p", "call-p", "Lp", "Rp")
	d.SetBridgeID("bridge-1")
	p.SetBridgeID("bridge-1")
	rig.dialogues.Add(d)
	rig.dialogues.Add(p)

	req := newReferRequest(t, "sip:target@example.com?Replaces=unknown-call;to-tag=X;from-tag=Y")

	rig.mgr.HandleRefer(context.Background(), d, req, nil)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 0, uac)
	assert.Equal(t, 1, nonInvite, "falls back to forwarding the REFER itself")
}

func TestHandleReferMissingReferToIsNotForwarded(t *testing.T) {
	rig := newTestRig(t)
	d := newLeg("d", "call-d", "Ld", "Rd")

	req := sip.NewRequest(sip.RequestMethod("REFER"), parseURI(t, "sip:bridge@127.0.0.1:5060"))

	rig.mgr.HandleRefer(context.Background(), d, req, nil)

	uac, nonInvite := rig.transport.dispatched()
	assert.Equal(t, 0, uac+nonInvite, "a malformed REFER must not reach the transport")
}

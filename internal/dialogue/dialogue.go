// Package dialogue implements the B2BUA's core data model: a Dialogue is
// one side (leg) of a bridged call, indexed by its own identity triple and
// linked to its peer by a shared bridge_id. Unlike the dialog.Dialog this
// package is grounded on, a Dialogue here exists only once a call has been
// confirmed (no Early/WaitingACK pre-states); it is created as part of
// bridge establishment and removed on hangup.
package dialogue

import (
	"sync"
	"sync/atomic"
	"time"
)

// UserField is a display-name + URI pair, used for both the local and
// remote From/To identities carried on a dialogue.
type UserField struct {
	DisplayName string
	URI         string
}

// Dialogue is one leg of a bridged call. Its fields are mutated only by
// the Dialogue Manager (per the spec's data-model note); CSeq is kept as
// an atomic counter since it is bumped independently of the struct's other
// state from both the forwarding and hangup paths, matching
// dialog.Dialog.localCSeq.
type Dialogue struct {
	ID string

	CallID    string
	LocalTag  string
	RemoteTag string

	cseq atomic.Uint32

	mu sync.RWMutex

	routeSet         []string
	remoteTarget     string
	localUserField   UserField
	remoteUserField  UserField
	owner            string
	bridgeID         string
	cdrID            string
	remoteSDP        []byte
	proxySendFrom    string
	createdAt        time.Time
}

// New constructs a confirmed Dialogue. startCSeq is the starting sequence
// number (normally the CSeq of the request that confirmed the dialogue).
func New(id, callID, localTag, remoteTag string, startCSeq uint32, owner string) *Dialogue {
	d := &Dialogue{
		ID:        id,
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		owner:     owner,
		createdAt: time.Now(),
	}
	d.cseq.Store(startCSeq)
	return d
}

// CSeq returns the current sequence number.
func (d *Dialogue) CSeq() uint32 { return d.cseq.Load() }

// NextCSeq atomically increments and returns the dialogue's CSeq,
// grounded on dialog.Dialog.localCSeq's atomic.Uint32 usage in BuildBYE and
// BuildReINVITE. It and SetCSeq (which never lowers the value) are the only
// ways CSeq moves, enforcing invariant I3 (non-decreasing) and ordering
// guarantee O1.
func (d *Dialogue) NextCSeq() uint32 {
	return d.cseq.Add(1)
}

// SetCSeq forces the sequence number to at least v, used when tracking the
// inbound side's CSeq per forward_in_dialogue's "bump and persist d.cseq
// to txn.request.cseq" step. It never moves the counter backwards.
func (d *Dialogue) SetCSeq(v uint32) {
	for {
		cur := d.cseq.Load()
		if v <= cur {
			return
		}
		if d.cseq.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (d *Dialogue) Owner() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.owner
}

func (d *Dialogue) RouteSet() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

func (d *Dialogue) SetRouteSet(routes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = append([]string(nil), routes...)
}

func (d *Dialogue) RemoteTarget() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

func (d *Dialogue) SetRemoteTarget(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = uri
}

func (d *Dialogue) LocalUserField() UserField {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localUserField
}

func (d *Dialogue) SetLocalUserField(uf UserField) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localUserField = uf
}

func (d *Dialogue) RemoteUserField() UserField {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteUserField
}

func (d *Dialogue) SetRemoteUserField(uf UserField) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteUserField = uf
}

// BridgeID returns the shared value linking this dialogue to its peer; an
// empty string means the dialogue is unbridged (invariant I2).
func (d *Dialogue) BridgeID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridgeID
}

// SetBridgeID assigns the shared bridge identifier. There is no stored
// Bridge entity (invariant I2 / design note "Cyclic references"): BridgeID
// is just a value, and the peer is always found again through the index,
// never through a pointer held here.
func (d *Dialogue) SetBridgeID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bridgeID = id
}

func (d *Dialogue) CDRID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cdrID
}

func (d *Dialogue) SetCDRID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cdrID = id
}

func (d *Dialogue) RemoteSDP() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSDP
}

func (d *Dialogue) SetRemoteSDP(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteSDP = append([]byte(nil), b...)
}

func (d *Dialogue) ProxySendFrom() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.proxySendFrom
}

func (d *Dialogue) SetProxySendFrom(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proxySendFrom = v
}

func (d *Dialogue) CreatedAt() time.Time { return d.createdAt }

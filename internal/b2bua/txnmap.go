package b2bua

import "sync"

// txnMap is the process-local mapping from forwarded-transaction-id to
// origin-transaction-id for in-dialogue transaction
// Map". It is shared across inbound-request threads and response-callback
// threads, so every access goes through mu, and
// design note "Shared mutable dictionary".
type txnMap struct {
	mu   sync.Mutex
	rows map[string]string
}

func newTxnMap() *txnMap {
	return &txnMap{rows: make(map[string]string)}
}

// put installs forwardedID -> originID. Ordering guarantee O2 requires
// this to happen before the forwarded request is actually sent, so callers
// must call put before dispatching through the transport.
func (m *txnMap) put(forwardedID, originID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[forwardedID] = originID
}

// origin looks up the origin transaction id for a forwarded transaction.
func (m *txnMap) origin(forwardedID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rows[forwardedID]
	return id, ok
}

// remove deletes the entry for forwardedID, called when the SIP Transport
// reports the forwarded transaction as finalized.
func (m *txnMap) remove(forwardedID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, forwardedID)
}

package b2bua

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// ClientTransaction is the subset of the SIP transaction layer's client
// transaction the Dialogue Manager observes, grounded on sip.ClientTransaction
// as consumed by dialog.Manager.sendBYE/SendReINVITE.
type ClientTransaction interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
}

// Transport is the SIP transport collaborator boundary: it
// parses/serializes SIP, routes requests to transactions, and resolves
// next-hop endpoints. The Dialogue Manager is built against this interface
// so it never reaches into a concrete sipgo.Client/Server directly,
// matching dialog.Manager's own sipClient/dialogUA fields being the only
// SIP-transport-specific state it holds.
type Transport interface {
	// CreateUACTransaction sends req as a new client transaction and
	// returns a handle to observe its responses.
	CreateUACTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error)

	// CreateNonInviteTransaction is the same as CreateUACTransaction but
	// for non-INVITE requests (BYE, INFO, REFER, NOTIFY); kept distinct
	// because some transports route these over a different transaction
	// type internally.
	CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error)

	// GetTransaction looks up a previously created transaction by its
	// transport-assigned id.
	GetTransaction(id string) (ClientTransaction, bool)

	// GetRequestEndpoint resolves the next-hop endpoint for req. An empty
	// result with a nil error means resolution could not determine an
	// endpoint (the caller must emit a dial-plan error and drop, per
	// next-hop resolution is delegated to the Transport implementation).
	GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error)

	// GetDefaultEndpoint returns this node's own advertised endpoint for
	// the given protocol ("udp", "tcp", "tls"). The Manager does not call
	// it: Contact headers come from its configured local contact and the
	// localEP passed to ForwardInDialogue.
	GetDefaultEndpoint(protocol string) (string, error)
}

// Monitor is the single structured-event delegate for the
// "Monitor/log sink" collaborator, replacing the source's global logger
// per design note "Global logger".
type Monitor interface {
	Event(owner, serverType, eventType, remoteEP, text string)
}

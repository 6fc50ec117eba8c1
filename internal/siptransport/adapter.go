// Package siptransport adapts a live *sipgo.Client into the
// internal/b2bua.Transport collaborator boundary, grounded on
// services/signaling/app.SwitchBoard's sipgo.NewUA/NewServer/NewClient
// wiring and internal/signaling/dialog.Manager's use of
// client.TransactionRequest for BYE/re-INVITE dispatch.
//
// Next-hop resolution here is deliberately direct (Request-URI host:port,
// or the first Route header if one is already present): DNS/SRV resolution
// is an explicit Non-goal of the core, delegated to whatever sits in front
// of this adapter in a full deployment.
package siptransport

import (
	"context"
	"fmt"
	"net"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/dialogbridge/b2bua/internal/b2bua"
)

// Adapter implements b2bua.Transport against a real sipgo client/server
// pair. It holds no dialogue state of its own — it is purely a transaction
// factory and endpoint resolver, matching the Transport collaborator's role
// boundary.
type Adapter struct {
	client   *sipgo.Client
	server   *sipgo.Server
	bindAddr string
}

// New wraps client and server. bindAddr ("host:port") is returned by
// GetDefaultEndpoint for the "udp" protocol.
func New(client *sipgo.Client, server *sipgo.Server, bindAddr string) *Adapter {
	return &Adapter{client: client, server: server, bindAddr: bindAddr}
}

// clientTx adapts *sipgo.ClientTransaction to the b2bua.ClientTransaction
// interface; sip.ClientTransaction's embedded Transaction already exposes
// Err() for the last transaction error, which is all the Dialogue Manager
// needs for a log line.
type clientTx struct {
	sip.ClientTransaction
}

func (a *Adapter) CreateUACTransaction(ctx context.Context, req *sip.Request) (b2bua.ClientTransaction, error) {
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("siptransport: UAC transaction: %w", err)
	}
	return clientTx{tx}, nil
}

func (a *Adapter) CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (b2bua.ClientTransaction, error) {
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("siptransport: non-INVITE transaction: %w", err)
	}
	return clientTx{tx}, nil
}

// GetTransaction is not backed by sipgo's client (it does not expose a
// lookup-by-id registry beyond the handle returned from
// TransactionRequest); the Dialogue Manager never actually calls this in
// the current wiring since it keeps its own in-dialogue transaction map, so
// this always reports a miss.
func (a *Adapter) GetTransaction(id string) (b2bua.ClientTransaction, bool) {
	return nil, false
}

// GetRequestEndpoint resolves req's next hop directly from its top Route
// header, if one is present (pre-loaded route sets always take priority
// per RFC 3261 §12.2.1.1), else from the Request-URI itself. No DNS/SRV
// lookup is performed.
func (a *Adapter) GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error) {
	if outboundProxy != "" {
		return outboundProxy, nil
	}
	if routes := req.GetHeaders("Route"); len(routes) > 0 {
		if rh, ok := routes[0].(*sip.RouteHeader); ok {
			return hostport(rh.Address.Host, rh.Address.Port), nil
		}
	}
	if uri := req.Recipient; uri.Host != "" {
		return hostport(uri.Host, uri.Port), nil
	}
	return "", nil
}

// GetDefaultEndpoint returns the address this node advertises for proto.
// Only "udp" is meaningful for the reference deployment (matching the RTP
// Channel's UDP-only media plane); other protocols fall back to the same
// bind address since no separate TCP/TLS listener is wired in cmd/b2bua.
func (a *Adapter) GetDefaultEndpoint(proto string) (string, error) {
	return a.bindAddr, nil
}

func hostport(host string, port int) string {
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// Command b2bua stands up the Dialogue Manager and RTP Channel described in
// this module as a running SIP B2BUA dialogue layer: it binds a sipgo UA/server/
// client, forwards in-dialogue requests across established bridges, and
// allocates an RTP Channel per bridge for the independent media plane.
//
// Call origination, authentication and dial-plan/policy are explicit
// Non-goals of the core and are not implemented here: bridges
// must be established by a higher layer (e.g. a test harness or an
// originating UA component) calling Manager.CreateBridge directly. This
// binary exists to exercise the forwarding, transfer, and media components
// end to end, grounded on services/signaling/app.SwitchBoard's
// sipgo.NewUA/NewServer/NewClient wiring and request-handler registration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dialogbridge/b2bua/internal/b2bua"
	"github.com/dialogbridge/b2bua/internal/banner"
	"github.com/dialogbridge/b2bua/internal/cdr"
	"github.com/dialogbridge/b2bua/internal/config"
	"github.com/dialogbridge/b2bua/internal/dialogue"
	"github.com/dialogbridge/b2bua/internal/logger"
	"github.com/dialogbridge/b2bua/internal/rtpchannel"
	"github.com/dialogbridge/b2bua/internal/siptransport"
	"github.com/dialogbridge/b2bua/internal/store"
)

// server bundles the process's long-lived collaborators: the sipgo
// transport, the Dialogue Manager, and the media (RTP Channel) allocator.
type server struct {
	cfg *config.Config

	ua       *sipgo.UserAgent
	uas      *sipgo.Server
	uac      *sipgo.Client
	mgr      *b2bua.Manager
	index    *dialogue.Index
	media    *mediaPool
	logger   *slog.Logger
	localEP  string
}

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("DialogBridge B2BUA", []banner.ConfigLine{
		{Label: "SIP bind", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Media ports", Value: fmt.Sprintf("%d-%d", cfg.MediaPortStart, cfg.MediaPortEnd)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	srv, err := newServer(cfg)
	if err != nil {
		slog.Error("b2bua: failed to start", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		listenAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
		slog.Info("b2bua: listening", "addr", listenAddr)
		if err := srv.uas.ListenAndServe(ctx, "udp", listenAddr); err != nil {
			slog.Error("b2bua: SIP listener stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("b2bua: shutting down", "signal", sig)
}

func newServer(cfg *config.Config) (*server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("new user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("new server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("new client: %w", err)
	}

	dialogues := store.New[*dialogue.Dialogue]()
	index := dialogue.NewIndex(dialogues)
	cdrs := store.New[*cdr.CDR]()

	bindAddr := fmt.Sprintf("%s:%d", cfg.AdvertiseAddr, cfg.Port)
	transport := siptransport.New(uac, uas, bindAddr)

	var localContact sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s", bindAddr), &localContact)

	media := newMediaPool(cfg)

	mgr := b2bua.NewManager(b2bua.Config{
		Dialogues:         index,
		CDRs:              cdrs,
		Transport:         transport,
		Observer:          mediaObserver{media},
		Logger:            slog.Default(),
		LocalContact:      localContact,
		RemoteHangupCause: cfg.RemoteHangupCause,
	})

	s := &server{
		cfg:     cfg,
		ua:      ua,
		uas:     uas,
		uac:     uac,
		mgr:     mgr,
		index:   index,
		media:   media,
		logger:  slog.Default(),
		localEP: bindAddr,
	}

	uas.OnRequest(sip.BYE, s.handleInDialogue)
	uas.OnRequest(sip.INFO, s.handleInDialogue)
	uas.OnRequest(sip.REFER, s.handleRefer)
	uas.OnRequest(sip.NOTIFY, s.handleInDialogue)
	uas.OnRequest(sip.INVITE, s.handleInviteOrReinvite)

	return s, nil
}

// lookupDialogue resolves the local leg a request's dialogue identifiers
// name, per the strict-then-relaxed GetByTriple contract.
func (s *server) lookupDialogue(req *sip.Request) (*dialogue.Dialogue, bool) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		// req.CallID().String() renders the full "Call-ID: <value>" header
		// line; the bare value is the header type cast directly to string.
		callID = string(*cid)
	}
	localTag, remoteTag := "", ""
	if to := req.To(); to != nil {
		localTag, _ = to.Params.Get("tag")
	}
	if from := req.From(); from != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	return s.index.GetByTriple(callID, localTag, remoteTag)
}

func (s *server) handleInDialogue(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := s.lookupDialogue(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
		return
	}

	ctx := context.Background()
	txn := b2bua.InboundTransaction{ID: uuid.NewString(), Request: req, Tx: tx}
	remoteEP := req.Source()
	localEP := s.localEP

	if req.Method == sip.BYE {
		s.mgr.CallHungup(ctx, d, "remote BYE")
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		return
	}

	if err := s.mgr.ForwardInDialogue(ctx, d, txn, localEP, remoteEP); err != nil {
		s.logger.Error("b2bua: forward failed", "error", err)
	}
}

func (s *server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := s.lookupDialogue(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
		return
	}
	s.mgr.HandleRefer(context.Background(), d, req, tx)
}

// handleInviteOrReinvite distinguishes a re-INVITE on an established
// dialogue (forwarded normally) from a brand-new call setup, which is out
// of this core's scope (a Non-goal): anything that does not
// match an existing dialogue gets 481, since this binary never originates
// or answers fresh calls on its own.
func (s *server) handleInviteOrReinvite(req *sip.Request, tx sip.ServerTransaction) {
	if _, ok := s.lookupDialogue(req); ok {
		s.handleInDialogue(req, tx)
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
}

func (s *server) Close() error {
	s.media.closeAll()
	return s.ua.Close()
}

// mediaPool owns one RTP Channel per bridge_id, allocated on demand from
// the configured port range. Media is independent of the dialogue layer
// ("media flows independently, without touching
// the dialogue layer") — nothing here is consulted by Manager.
type mediaPool struct {
	cfg      *config.Config
	mu       sync.Mutex
	nextPort int
	channels map[string]*rtpchannel.Channel
}

func newMediaPool(cfg *config.Config) *mediaPool {
	return &mediaPool{cfg: cfg, nextPort: cfg.MediaPortStart, channels: make(map[string]*rtpchannel.Channel)}
}

// allocate binds a new Channel for bridgeID on the next free even port pair
// in the configured range, wrapping around is not attempted: a full pool
// reports an error, matching the RTP Channel's "closed" contract that a
// caller must handle rather than silently misbehave. It is idempotent: a
// bridge already holding a channel gets the same one back, since
// CreateBridge fires OnDialogueCreated once per side of the same bridge.
func (p *mediaPool) allocate(bridgeID string) (*rtpchannel.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.channels[bridgeID]; ok {
		return ch, nil
	}
	if p.nextPort+1 > p.cfg.MediaPortEnd {
		return nil, fmt.Errorf("mediaPool: port range %d-%d exhausted", p.cfg.MediaPortStart, p.cfg.MediaPortEnd)
	}
	addr := fmt.Sprintf("%s:%d", p.cfg.BindAddr, p.nextPort)
	p.nextPort += 2

	ch, err := rtpchannel.New(bridgeID, rtpchannel.Options{
		LocalAddr:           addr,
		CreateControlSocket: p.cfg.CreateControlSocket,
	})
	if err != nil {
		return nil, err
	}
	ch.BeginReceive(nil, func(reason error) {
		slog.Info("b2bua: media channel closed", "bridge", bridgeID, "reason", reason)
	})
	p.channels[bridgeID] = ch
	return ch, nil
}

// release closes and forgets the channel bound to bridgeID, if any; a
// second call for the same bridge (OnDialogueRemoved fires once per side)
// is a no-op.
func (p *mediaPool) release(bridgeID string) {
	p.mu.Lock()
	ch, ok := p.channels[bridgeID]
	if ok {
		delete(p.channels, bridgeID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := ch.Close(); err != nil {
		slog.Warn("b2bua: error closing media channel", "bridge", bridgeID, "error", err)
	}
}

func (p *mediaPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.channels {
		if err := ch.Close(); err != nil {
			slog.Warn("b2bua: error closing media channel", "bridge", id, "error", err)
		}
	}
}

// mediaObserver adapts b2bua.Observer to the media pool: a bridge gets an
// RTP Channel the moment it is created, and loses it the moment either side
// is removed. dialogueID is unused — the pool is keyed on bridgeID, the
// value both dialogue-created events for a bridge share.
type mediaObserver struct {
	media *mediaPool
}

func (o mediaObserver) OnDialogueCreated(dialogueID, bridgeID string) {
	if _, err := o.media.allocate(bridgeID); err != nil {
		slog.Error("b2bua: media allocation failed", "bridge", bridgeID, "error", err)
	}
}

func (o mediaObserver) OnDialogueRemoved(dialogueID, bridgeID string) {
	o.media.release(bridgeID)
}

func (o mediaObserver) OnDialPlanError(dialogueID, reason string) {
	slog.Warn("b2bua: dial-plan error", "dialogue", dialogueID, "reason", reason)
}

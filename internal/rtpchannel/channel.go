package rtpchannel

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
)

// SocketKind distinguishes the media (RTP) socket from the control (RTCP)
// socket of a Channel.
type SocketKind int

const (
	Media SocketKind = iota
	Control
)

func (k SocketKind) String() string {
	switch k {
	case Media:
		return "media"
	case Control:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SendOutcome demotes a socket write's error, if any, to a small enum so a
// failed send never propagates as a hard error up through the dialogue
// manager; it only ever closes the channel via an explicit Close call or a
// fatal receive-side error.
type SendOutcome int

const (
	SendOK SendOutcome = iota
	SendDisconnecting
	SendTransientError
	SendFault
	// SendArgumentFault marks a call with an empty buffer or a nil
	// destination: a programming error, surfaced distinctly from
	// a socket-level SendFault so a caller can tell "you passed garbage"
	// apart from "the network misbehaved".
	SendArgumentFault
)

func (o SendOutcome) String() string {
	switch o {
	case SendOK:
		return "ok"
	case SendDisconnecting:
		return "disconnecting"
	case SendTransientError:
		return "transient_error"
	case SendFault:
		return "fault"
	case SendArgumentFault:
		return "argument_fault"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Channel is the RTP media channel: a media socket and, optionally, a
// paired control socket, both owned and lifecycle-managed together.
// Grounded on rtpmanager/bridge.Bridge's Endpoint pairing, but restructured
// per the package doc: there is no hardwired peer endpoint baked in at
// construction, only a local socket pair exposing an event-callback
// receive path and a fire-and-forget send path.
type Channel struct {
	id string

	mediaRx   *Receiver
	controlRx *Receiver // nil unless CreateControlSocket was set

	logger *slog.Logger

	closed atomic.Bool

	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64

	lastSSRC   atomic.Uint32
	lastSeq    atomic.Uint32 // high bit set once a sequence number has been observed
	lostGap    atomic.Uint64
}

// Options configures channel construction.
type Options struct {
	// LocalAddr is the address to bind the media socket (and, if
	// CreateControlSocket is set, the next port up for control). An empty
	// host binds all interfaces; port 0 picks an ephemeral port.
	LocalAddr string

	CreateControlSocket bool

	Logger *slog.Logger
}

// New binds the channel's socket(s) and returns it unstarted: BeginReceive
// must be called to start delivering packets.
func New(id string, opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaRx, err := NewReceiver(opts.LocalAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("rtpchannel: bind media socket: %w", err)
	}

	c := &Channel{id: id, mediaRx: mediaRx, logger: logger}
	c.lastSeq.Store(noSeqObserved)

	if opts.CreateControlSocket {
		mediaPort := mediaRx.LocalAddr().Port
		controlAddr := &net.UDPAddr{IP: mediaRx.LocalAddr().IP, Port: mediaPort + 1}
		controlRx, err := NewReceiver(controlAddr.String(), logger)
		if err != nil {
			mediaRx.Close()
			return nil, fmt.Errorf("rtpchannel: bind control socket: %w", err)
		}
		c.controlRx = controlRx
	}

	return c, nil
}

// ID returns the channel's identifier.
func (c *Channel) ID() string { return c.id }

// MediaLocalAddr returns the bound media socket address.
func (c *Channel) MediaLocalAddr() *net.UDPAddr { return c.mediaRx.LocalAddr() }

// ControlLocalAddr returns the bound control socket address, or nil if no
// control socket was created.
func (c *Channel) ControlLocalAddr() *net.UDPAddr {
	if c.controlRx == nil {
		return nil
	}
	return c.controlRx.LocalAddr()
}

// BeginReceive starts delivering packets from both sockets (if present) to
// onPacket, and fires onClosed once both receivers have stopped.
func (c *Channel) BeginReceive(onPacket func(kind SocketKind, data []byte, from *net.UDPAddr), onClosed ClosedHandler) {
	remaining := atomic.Int32{}
	remaining.Store(1)
	if c.controlRx != nil {
		remaining.Store(2)
	}

	finish := func(reason error) {
		if remaining.Add(-1) == 0 && onClosed != nil {
			onClosed(reason)
		}
	}

	c.mediaRx.BeginReceive(func(data []byte, from *net.UDPAddr) {
		c.packetsRecv.Add(1)
		c.bytesRecv.Add(uint64(len(data)))
		c.trackSequence(data)
		if onPacket != nil {
			onPacket(Media, data, from)
		}
	}, finish)

	if c.controlRx != nil {
		c.controlRx.BeginReceive(func(data []byte, from *net.UDPAddr) {
			c.packetsRecv.Add(1)
			c.bytesRecv.Add(uint64(len(data)))
			if onPacket != nil {
				onPacket(Control, data, from)
			}
		}, finish)
	}
}

// Send writes b to dst on the given socket kind. It never blocks on the
// network beyond a single syscall and never returns a network error
// directly: failures are demoted to a SendOutcome so a flaky destination
// cannot tear down the channel on its own.
func (c *Channel) Send(kind SocketKind, dst *net.UDPAddr, b []byte) SendOutcome {
	if dst == nil || len(b) == 0 {
		return SendArgumentFault
	}

	if c.closed.Load() {
		return SendDisconnecting
	}

	rx := c.mediaRx
	if kind == Control {
		if c.controlRx == nil {
			return SendFault
		}
		rx = c.controlRx
	}

	n, err := rx.WriteTo(b, dst)
	if err != nil {
		outcome := classifySendError(err)
		if outcome != SendFault {
			c.logger.Info("rtpchannel: transient send error", "channel", c.id, "kind", kind, "error", err)
		}
		return outcome
	}

	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
	return SendOK
}

// noSeqObserved marks lastSeq as unset; sequence numbers are 16-bit so this
// sentinel sits outside their range.
const noSeqObserved = 1 << 16

// trackSequence parses just the RTP header (ignoring payload) to keep a
// running count of sequence-number gaps on the media socket, grounded on
// siprec-server's pion/rtp-based packet accounting. A parse failure (a
// non-RTP datagram, e.g. stray RTCP on the media socket) is silently
// ignored: this is best-effort diagnostics, not a security boundary.
func (c *Channel) trackSequence(data []byte) {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(data); err != nil {
		return
	}

	prevSSRC := c.lastSSRC.Swap(hdr.SSRC)
	prevSeq := c.lastSeq.Swap(uint32(hdr.SequenceNumber))
	if prevSSRC != hdr.SSRC || prevSeq == noSeqObserved {
		return
	}

	want := uint16(prevSeq) + 1
	if hdr.SequenceNumber != want {
		gap := int32(hdr.SequenceNumber) - int32(want)
		if gap < 0 {
			gap = -gap
		}
		c.lostGap.Add(uint64(gap))
	}
}

func classifySendError(err error) SendOutcome {
	if classifyReadError(err) == errTransient {
		return SendTransientError
	}
	return SendFault
}

// Close stops both receivers. It is idempotent; subsequent Sends return
// SendDisconnecting without touching the network.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.mediaRx.Close()
	if c.controlRx != nil {
		if cErr := c.controlRx.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	return err
}

// Stats reports cumulative packet/byte counters for both directions, plus a
// running sequence-number gap count on the media socket (SequenceLost).
type Stats struct {
	PacketsSent, PacketsReceived uint64
	BytesSent, BytesReceived     uint64
	SequenceLost                 uint64
}

func (c *Channel) Stats() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsRecv.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesRecv.Load(),
		SequenceLost:    c.lostGap.Load(),
	}
}

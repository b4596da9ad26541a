// Package conversation implements the per-peer conversation state machine
// of spec.md §4.C: ENDED → GOING_ON → DISMISSING → ENDED, carrying one
// long-lived mutually-authenticated TLS session.
package conversation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/babblemesh/babbler/internal/wire"
)

// State is a Conversation's lifecycle state, per spec.md §4.C.
type State int32

const (
	Ended State = iota
	GoingOn
	Dismissing
)

func (s State) String() string {
	switch s {
	case Ended:
		return "ENDED"
	case GoingOn:
		return "GOING_ON"
	case Dismissing:
		return "DISMISSING"
	default:
		return "UNKNOWN"
	}
}

// Timing constants from spec.md §4.C/§5.
const (
	ReadTimeout       = 30 * time.Second
	InactivityTimeout = 60 * time.Second
	HeartbeatInterval = 20 * time.Second
)

// Owner is the non-owning back-reference a Conversation uses to reach its
// Babblemouth, per spec.md §9 ("Cyclic ownership"): the Babblemouth owns
// the peer table (and therefore all Conversations); Conversations hold a
// handle sufficient for invocation but not for lifetime extension.
type Owner interface {
	// Dispatch routes a decoded frame to the per-Babblemouth handler
	// registry (spec.md §4.D addhandler / §9 "per-Babblemouth registry").
	// Unknown types are no-ops. A panic raised by Dispatch or a handler is
	// recovered by the Conversation (handleFrame), which logs it and moves
	// the conversation to DISMISSING (spec.md §5 "Failure isolation").
	Dispatch(conv *Conversation, frameType string, payload []byte)

	// MembershipJSON returns the current babblerstojson() snapshot to
	// announce immediately on entering GOING_ON (spec.md §4.C step 2).
	MembershipJSON() ([]byte, error)

	// ResolveEndpoints returns the current known hosts/ports for a peer
	// identifier, so the run loop's endpoint-rotation logic can operate
	// on up-to-date Contact data even if gossip updated it mid-session.
	ResolveEndpoints(id string) (hosts []string, ports []int, ok bool)
}

// Conversation is a stateful session with one peer, per spec.md §3/§4.C.
type Conversation struct {
	owner Owner
	log   *zap.Logger

	mu    sync.Mutex
	id    string // peer identifier; unknown until handshake completes
	cert  *x509.Certificate
	conn  net.Conn
	idx   int // current endpoint index into the peer's Contact
	state State

	msgseq int32
	queue  [][]byte // FIFO of already-framed bytes awaiting flush

	lastMessage time.Time
	doneCh      chan struct{}
}

// New creates a Conversation in state ENDED, owned by owner.
func New(owner Owner, log *zap.Logger) *Conversation {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conversation{
		owner: owner,
		log:   log,
		state: Ended,
	}
}

// ID returns the peer identifier, or "" if the handshake has not yet
// completed.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Certificate returns the peer's TLS certificate, or nil before the
// handshake completes.
func (c *Conversation) Certificate() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cert
}

// EndpointIndex returns the current endpoint index into the peer's
// Contact (spec.md §3's "current endpoint index").
func (c *Conversation) EndpointIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx
}

// SetAccepted splices an already-handshaken inbound connection and
// certificate into this Conversation (spec.md §4.D listener step 4/5).
func (c *Conversation) SetAccepted(conn net.Conn, cert *x509.Certificate, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.cert = cert
	c.id = id
}

// BuildSSL implements spec.md §4.C buildSSL(): requires ENDED. If no
// socket is already set, dials hosts[idx]:ports[idx] over TLS using
// tlsConfig; on success captures the peer certificate and derives id from
// its Common Name. id is the peer identifier we expect to dial (used only
// to resolve current endpoints via the owner; the actual id is taken from
// the presented certificate).
func (c *Conversation) BuildSSL(ctx context.Context, id string, tlsConfig *tls.Config) error {
	c.mu.Lock()
	if c.state != Ended {
		c.mu.Unlock()
		return fmt.Errorf("conversation.BuildSSL: requires ENDED, got %s", c.state)
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil // socket already set (e.g. spliced from an accept)
	}
	idx := c.idx
	c.mu.Unlock()

	hosts, ports, ok := c.owner.ResolveEndpoints(id)
	if !ok || len(hosts) == 0 || len(hosts) != len(ports) {
		return fmt.Errorf("conversation.BuildSSL: no usable Contact for %q", id)
	}
	i := idx % len(hosts)
	addr := fmt.Sprintf("%s:%d", hosts[i], ports[i])

	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("conversation.BuildSSL: dial %s: %w", addr, err)
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("conversation.BuildSSL: dialer returned non-TLS conn")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = conn.Close()
		return errors.New("conversation.BuildSSL: peer presented no certificate")
	}
	peerCert := state.PeerCertificates[0]

	c.mu.Lock()
	c.conn = conn
	c.cert = peerCert
	c.id = peerCert.Subject.CommonName
	c.mu.Unlock()
	return nil
}

// RotateEndpoint advances the endpoint index to the next host in the
// peer's Contact. teardown() rotates idx (on a transport error in the
// loop or a socket-close error) only once the run loop has actually
// started; a failed BuildSSL (dial
// failure) never reaches the run loop at all, so callers that dial
// outbound must rotate explicitly on BuildSSL's error return (spec.md
// §4.C buildSSL "callers rotate idx on failure"; §8 Boundaries: "after K
// consecutive dial failures to a Contact with H hosts, the next dial
// attempts hosts[K mod H]"). hostCount is the current number of hosts in
// the peer's Contact; 0 means unknown, in which case idx still advances
// so a later Contact update can resolve it via modulo.
func (c *Conversation) RotateEndpoint(hostCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hostCount > 0 {
		c.idx = (c.idx + 1) % hostCount
	} else {
		c.idx++
	}
}

// Start implements spec.md §4.C start(): requires ENDED. Launches the
// conversation loop on a dedicated goroutine. Fails fast if not ENDED.
func (c *Conversation) Start() error {
	c.mu.Lock()
	if c.state != Ended {
		c.mu.Unlock()
		return fmt.Errorf("conversation.Start: requires ENDED, got %s", c.state)
	}
	if c.conn == nil {
		c.mu.Unlock()
		return errors.New("conversation.Start: no socket; call BuildSSL or SetAccepted first")
	}
	c.state = GoingOn
	c.lastMessage = time.Now()
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run()
	return nil
}

// Done returns a channel closed when the run loop exits (state returns to
// ENDED). Useful for tests and for Babblemouth's supervision loop.
func (c *Conversation) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneCh
}

// Send implements spec.md §4.C senddata(): enqueues a frame; no-op unless
// state is GOING_ON.
func (c *Conversation) Send(frameType string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != GoingOn {
		return
	}
	c.msgseq++
	buf := &bytesBuffer{}
	if err := wire.Encode(buf, frameType, c.msgseq, payload); err != nil {
		c.log.Warn("conversation: failed to encode outgoing frame", zap.Error(err))
		return
	}
	c.queue = append(c.queue, buf.b)
}

// End implements spec.md §4.C end(): if GOING_ON, transitions to
// DISMISSING and clears the pending send queue (messages in flight are
// abandoned).
func (c *Conversation) End() {
	c.mu.Lock()
	if c.state != GoingOn {
		c.mu.Unlock()
		return
	}
	c.state = Dismissing
	c.queue = nil
	conn := c.conn
	c.mu.Unlock()

	// Interrupt a blocked read immediately rather than waiting out the
	// full 30s read timeout, so DISMISSING is observed promptly.
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
}

// run is the GOING_ON loop of spec.md §4.C.
func (c *Conversation) run() {
	conn := c.getConn()
	reader := wire.NewReader(conn)

	var transportFailed bool
	defer func() { c.teardown(transportFailed) }()

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		c.forceDismiss()
		return
	}

	if meta, err := c.owner.MembershipJSON(); err == nil {
		c.Send(wire.TypeMeta, meta)
	} else {
		c.log.Warn("conversation: failed to build membership snapshot", zap.Error(err))
	}
	if err := c.flush(conn); err != nil {
		transportFailed = true
		c.forceDismiss()
		return
	}

	for {
		if c.State() != GoingOn {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			c.forceDismiss()
			return
		}

		frame, err := wire.Decode(reader)
		switch {
		case err == nil:
			c.handleFrame(frame)
			c.mu.Lock()
			c.lastMessage = time.Now()
			c.mu.Unlock()
			if err := c.flush(conn); err != nil {
				transportFailed = true
				c.forceDismiss()
				return
			}

		case errors.Is(err, wire.ErrShortFrame):
			// Malformed framing: tear down per spec.md §4.A/§7.3.
			c.forceDismiss()
			return

		case isTimeout(err):
			if c.inactiveTooLong() || c.State() != GoingOn {
				c.forceDismiss()
				return
			}
			c.mu.Lock()
			idle := len(c.queue) == 0
			c.mu.Unlock()
			if idle {
				c.Send(wire.TypeHrtb, nil)
				if err := c.flush(conn); err != nil {
					transportFailed = true
					c.forceDismiss()
					return
				}
			}
			time.Sleep(HeartbeatInterval)

		default:
			// Any other transport/TLS error tears the conversation down
			// (spec.md §9 Open Question 3: rotate on any transport
			// failure, not only on a subsequent close error).
			transportFailed = true
			c.forceDismiss()
			return
		}
	}
}

func (c *Conversation) getConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conversation) inactiveTooLong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastMessage) > InactivityTimeout
}

func (c *Conversation) handleFrame(f wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("conversation: handler panicked, tearing down",
				zap.String("peer", c.ID()), zap.Any("recover", r))
			c.forceDismiss()
		}
	}()
	c.owner.Dispatch(c, f.Type, f.Payload)
}

// forceDismiss transitions straight to DISMISSING regardless of current
// state, for error paths that are not the cooperative End() call.
func (c *Conversation) forceDismiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == GoingOn {
		c.state = Dismissing
	}
	c.queue = nil
}

func (c *Conversation) flush(conn net.Conn) error {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, frame := range pending {
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// teardown implements spec.md §4.C step 4: close the socket; if closing
// throws (or a transport failure occurred during the loop, reported by
// transportFailed), advance idx to the next endpoint; set state to ENDED.
func (c *Conversation) teardown(transportFailed bool) {
	c.mu.Lock()
	conn := c.conn
	id := c.id
	c.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	rotate := closeErr != nil || transportFailed

	hosts, _, ok := c.owner.ResolveEndpoints(id)

	c.mu.Lock()
	if rotate {
		if ok && len(hosts) > 0 {
			c.idx = (c.idx + 1) % len(hosts)
		} else {
			c.idx++
		}
	}
	c.state = Ended
	c.conn = nil
	c.cert = nil
	done := c.doneCh
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// bytesBuffer is a tiny io.Writer collecting encoded frame bytes, avoiding
// a bytes.Buffer import purely for this narrow use.
type bytesBuffer struct {
	b []byte
}

func (w *bytesBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// Package babblemouth implements spec.md §4.D: peer-table ownership, TLS
// listeners, outbound dialing, Contact acceptance, and the membership
// gossip handlers (META/SREQ/SUPD).
package babblemouth

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/babblemesh/babbler/internal/conversation"
	"github.com/babblemesh/babbler/internal/contact"
	"github.com/babblemesh/babbler/internal/metrics"
	"github.com/babblemesh/babbler/internal/ratelimit"
	"github.com/babblemesh/babbler/internal/store"
	"github.com/babblemesh/babbler/internal/wire"
)

const selfServiceDocID = "self"

// SupervisionInterval is the default peer-table re-dial scan period,
// overridden by GossipConfig.SupervisionInterval in practice.
const SupervisionInterval = 60 * time.Second

// Router resolves the next hop for an outbound dial, per spec.md §4.D's
// talktobabbler. The default implementation is table lookup (return the
// entry itself); embedders may register a multi-hop router instead.
type Router interface {
	Route(id string) (nextID, host string, port int, ok bool)
}

// HandlerFunc processes one decoded frame for a given conversation.
type HandlerFunc func(conv *conversation.Conversation, payload []byte)

type peerEntry struct {
	contact contact.Contact
	cert    *x509.Certificate
	conv    *conversation.Conversation
}

// Babblemouth owns the peer table, the TLS listeners, and the membership
// gossip protocol, per spec.md §4.D.
type Babblemouth struct {
	selfID    string
	selfKey   *rsa.PrivateKey
	selfCert  *x509.Certificate
	selfHosts []string
	selfPorts []int

	maxConv int
	certDir string

	clientTLS *tls.Config
	serverTLS *tls.Config

	membership   store.Database
	serviceStore store.Database

	log     *zap.Logger
	metrics *metrics.Metrics

	dialBucket *ratelimit.Bucket
	router     Router

	supervisionInterval time.Duration

	mu       sync.Mutex
	version  int64
	table    map[string]*peerEntry
	handlers map[string]HandlerFunc

	listeners []net.Listener
}

// Config carries the construction parameters for a Babblemouth, gathering
// the TLS material and gossip parameters spec.md §6.1/§4.D describe as
// "self" configuration.
type Config struct {
	SelfID              string
	SelfHosts           []string
	SelfPorts           []int
	KeyPath             string
	CertPath            string
	CAPath              string
	KnownCertsDir       string
	MaxConv             int
	StartVersion        int64
	SupervisionInterval time.Duration
	DialBudget          int
}

// New constructs a Babblemouth, loading the self certificate/key and
// building the mutual-TLS client and server configurations.
func New(cfg Config, membership, serviceStore store.Database, log *zap.Logger, m *metrics.Metrics) (*Babblemouth, error) {
	if log == nil {
		log = zap.NewNop()
	}

	keyPair, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("babblemouth.New: load key pair: %w", err)
	}
	selfCert, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("babblemouth.New: parse self certificate: %w", err)
	}
	privKey, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("babblemouth.New: self private key is not RSA")
	}

	caBytes, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("babblemouth.New: read CA: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("babblemouth.New: no certificates parsed from %q", cfg.CAPath)
	}

	selfID := cfg.SelfID
	if selfID == "" {
		selfID = selfCert.Subject.CommonName
	}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}
	clientTLS := &tls.Config{
		Certificates:          []tls.Certificate{keyPair},
		RootCAs:               caPool,
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true, // identity is cert-CN based, not hostname based; see verifyPeerChain
		VerifyPeerCertificate: verifyPeerChain(caPool),
	}

	var bucket *ratelimit.Bucket
	interval := cfg.SupervisionInterval
	if interval <= 0 {
		interval = SupervisionInterval
	}
	if cfg.DialBudget > 0 {
		bucket = ratelimit.New(cfg.DialBudget, interval)
	}

	bm := &Babblemouth{
		selfID:              selfID,
		selfKey:             privKey,
		selfCert:            selfCert,
		selfHosts:           cfg.SelfHosts,
		selfPorts:           cfg.SelfPorts,
		maxConv:             cfg.MaxConv,
		certDir:             cfg.KnownCertsDir,
		clientTLS:           clientTLS,
		serverTLS:           serverTLS,
		membership:          membership,
		serviceStore:        serviceStore,
		log:                 log,
		metrics:             m,
		dialBucket:          bucket,
		supervisionInterval: interval,
		version:             cfg.StartVersion,
		table:               make(map[string]*peerEntry),
		handlers:            make(map[string]HandlerFunc),
	}
	bm.router = tableRouter{bm: bm}

	bm.addhandler(wire.TypeMeta, bm.handleMeta)
	bm.addhandler(wire.TypeSReq, bm.handleSReq)
	bm.addhandler(wire.TypeSUpd, bm.handleSUpd)

	return bm, nil
}

// verifyPeerChain validates the presented certificate chain against caPool
// without consulting the connection's ServerName, since gossip peers are
// addressed by dynamic host:port and authenticated by certificate Common
// Name rather than DNS identity.
func verifyPeerChain(caPool *x509.CertPool) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("babblemouth: peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("babblemouth: parse peer certificate: %w", err)
		}
		_, err = cert.Verify(x509.VerifyOptions{
			Roots:     caPool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}

// Lock/Unlock satisfy store.Locker, so the self service-list watch
// (registered in StartGossip) can share the peer-table lock, mirroring
// Supervisor's own Lock/Unlock for its reconciliation watch.
func (bm *Babblemouth) Lock()   { bm.mu.Lock() }
func (bm *Babblemouth) Unlock() { bm.mu.Unlock() }

// SetRouter overrides the default table-lookup router.
func (bm *Babblemouth) SetRouter(r Router) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.router = r
}

// addhandler registers fn on the dispatch table for frameType, per spec.md
// §4.D's addhandler(type, fn).
func (bm *Babblemouth) addhandler(frameType string, fn HandlerFunc) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.handlers[strings.ToUpper(frameType)] = fn
}

// Dispatch implements conversation.Owner: routes a decoded frame to the
// registered handler for its type. Unknown types are dropped silently.
func (bm *Babblemouth) Dispatch(conv *conversation.Conversation, frameType string, payload []byte) {
	bm.mu.Lock()
	fn, ok := bm.handlers[frameType]
	bm.mu.Unlock()
	if !ok {
		return
	}
	fn(conv, payload)
}

// ResolveEndpoints implements conversation.Owner.
func (bm *Babblemouth) ResolveEndpoints(id string) ([]string, []int, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	entry, ok := bm.table[id]
	if !ok || !entry.contact.Valid() {
		return nil, nil, false
	}
	return entry.contact.Hosts, entry.contact.Ports, true
}

// MembershipJSON implements conversation.Owner and spec.md §4.D's
// babblerstojson(): a JSON object keyed by identifier, with a freshly
// signed entry for the local babbler alongside every known peer's Contact.
// JSON object key order carries no semantic meaning (RFC 8259); Go's
// encoding/json sorts map keys alphabetically on marshal, so "first key"
// in spec.md's prose describes logical precedence, not wire-order.
func (bm *Babblemouth) MembershipJSON() ([]byte, error) {
	bm.mu.Lock()
	sig, err := contact.Sign(bm.selfKey, bm.version)
	if err != nil {
		bm.mu.Unlock()
		return nil, fmt.Errorf("babblemouth.MembershipJSON: sign: %w", err)
	}
	out := make(map[string]contact.Contact, len(bm.table)+1)
	out[bm.selfID] = contact.Contact{
		Hosts:    bm.selfHosts,
		Ports:    bm.selfPorts,
		Version:  bm.version,
		CVersion: sig,
	}
	for id, entry := range bm.table {
		out[id] = entry.contact
	}
	bm.mu.Unlock()

	return json.Marshal(out)
}

// addbabbler implements spec.md §4.D's five-case table. Serialized by the
// table lock.
func (bm *Babblemouth) addbabbler(id string, props contact.Contact, cert *x509.Certificate) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if id == bm.selfID {
		if !props.HasVersion() {
			return // case 1: unsigned self-description, ignore
		}
		if !contact.Verify(&bm.selfKey.PublicKey, props.Version, props.CVersion) {
			return // forged or corrupt signature
		}
		bm.version = contact.SelfDefence(props.Version, bm.version) // case 2
		bm.recordContactOutcome(true)
		return
	}

	entry, known := bm.table[id]

	if cert != nil {
		// case 5: data directly from that peer over an authenticated
		// conversation.
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			bm.recordContactOutcome(false)
			return
		}
		if !known {
			newEntry := &peerEntry{cert: cert, conv: conversation.New(bm, bm.log)}
			if contact.Evaluate(nil, props, pub, true) == contact.Accept {
				newEntry.contact = props
			}
			bm.table[id] = newEntry
			bm.recordContactOutcome(true)
			return
		}
		decision := contact.Evaluate(&entry.contact, props, pub, true)
		entry.cert = cert
		if decision == contact.Accept {
			entry.contact = props
			bm.recordContactOutcome(true)
		} else {
			bm.recordContactOutcome(false)
		}
		return
	}

	if !known {
		// case 3: unknown identifier, unverified third-party report.
		// maxconv is checked only here: inbound TLS accepts (handleAccept)
		// and certificate-backed inserts (case 5 above) do not consult it.
		if bm.maxConv > 0 && len(bm.table) >= bm.maxConv {
			bm.log.Debug("babblemouth: maxconv reached, dropping unverified peer",
				zap.String("id", id), zap.Int("maxconv", bm.maxConv))
			return
		}
		bm.table[id] = &peerEntry{contact: props, conv: conversation.New(bm, bm.log)}
		bm.recordContactOutcome(true)
		return
	}

	// case 4: known id, still unverified — overwrite, no certificate.
	entry.contact = props
	bm.recordContactOutcome(true)
}

// recordContactOutcome updates the ContactUpdatesTotal metric, if metrics
// are wired in. Must be called with bm.mu held (metric increments are
// themselves safe to call unlocked, but we keep the call-site uniform).
func (bm *Babblemouth) recordContactOutcome(accepted bool) {
	if bm.metrics == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	bm.metrics.ContactUpdatesTotal.WithLabelValues(outcome).Inc()
}

type loadSource int

const (
	sourceDisk loadSource = iota
	sourceConv
)

// loadbabbler implements spec.md §4.D's loadbabbler(id, payload, fromConv?):
// selects which certificate, if any, to pass to addbabbler.
func (bm *Babblemouth) loadbabbler(id string, props contact.Contact, source loadSource, fromConv *conversation.Conversation) {
	var cert *x509.Certificate
	switch {
	case source == sourceDisk:
		cert = bm.readKnownCert(id)
	case source == sourceConv && fromConv != nil && id == fromConv.ID():
		cert = fromConv.Certificate()
	case source == sourceConv && fromConv != nil && id == bm.selfID:
		cert = bm.selfCert
	}
	bm.addbabbler(id, props, cert)
}

func (bm *Babblemouth) readKnownCert(id string) *x509.Certificate {
	if bm.certDir == "" {
		return nil
	}
	path := filepath.Join(bm.certDir, id+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil
	}
	return cert
}

// handleMeta implements spec.md §4.D's META handler.
func (bm *Babblemouth) handleMeta(conv *conversation.Conversation, payload []byte) {
	var incoming map[string]contact.Contact
	if err := json.Unmarshal(payload, &incoming); err != nil {
		bm.log.Warn("babblemouth: malformed META payload", zap.Error(err))
		return
	}
	for id, props := range incoming {
		bm.loadbabbler(id, props, sourceConv, conv)
	}
	bm.persistMembership()
	conv.Send(wire.TypeSReq, nil)
}

// handleSReq implements spec.md §4.D's SREQ handler.
func (bm *Babblemouth) handleSReq(conv *conversation.Conversation, _ []byte) {
	if conv.State() != conversation.GoingOn {
		return
	}
	doc, err := bm.serviceStore.Read(selfServiceDocID)
	if err != nil {
		bm.log.Warn("babblemouth: read self service document", zap.Error(err))
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		bm.log.Warn("babblemouth: marshal self service document", zap.Error(err))
		return
	}
	conv.Send(wire.TypeSUpd, body)
}

// handleSUpd implements spec.md §4.D's SUPD handler.
func (bm *Babblemouth) handleSUpd(conv *conversation.Conversation, payload []byte) {
	id := conv.ID()
	if id == "" || id == bm.selfID {
		return
	}
	var doc store.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		bm.log.Warn("babblemouth: malformed SUPD payload", zap.String("peer", id), zap.Error(err))
		return
	}
	if err := bm.serviceStore.Write(id, doc); err != nil {
		bm.log.Warn("babblemouth: write peer service document", zap.String("peer", id), zap.Error(err))
	}
}

// handleServiceWatch implements spec.md §2's store-change-feed data flow:
// whenever the locally advertised service list changes, push the updated
// list to every live conversation, rather than only replying to the next
// SREQ. Registered as a watch on the watch-list store's "self" document in
// StartGossip; runs under bm.mu (the watch's lock, per Lock/Unlock above),
// so it must not call any method that re-acquires it.
func (bm *Babblemouth) handleServiceWatch(id string) {
	doc, err := bm.serviceStore.Read(id)
	if err != nil {
		bm.log.Warn("babblemouth: read self service document for broadcast", zap.Error(err))
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		bm.log.Warn("babblemouth: marshal self service document for broadcast", zap.Error(err))
		return
	}
	for _, entry := range bm.table {
		if entry.conv.State() == conversation.GoingOn {
			entry.conv.Send(wire.TypeSUpd, body)
		}
	}
}

// persistMembership snapshots the peer table (and self) and writes each
// entry to the membership store. Performed outside the table lock to keep
// store I/O off the critical section.
func (bm *Babblemouth) persistMembership() {
	bm.mu.Lock()
	sig, err := contact.Sign(bm.selfKey, bm.version)
	if err != nil {
		bm.mu.Unlock()
		bm.log.Warn("babblemouth: sign self contact for persistence", zap.Error(err))
		return
	}
	docs := make(map[string]contact.Contact, len(bm.table)+1)
	docs[bm.selfID] = contact.Contact{Hosts: bm.selfHosts, Ports: bm.selfPorts, Version: bm.version, CVersion: sig}
	for id, entry := range bm.table {
		docs[id] = entry.contact
	}
	if bm.metrics != nil {
		bm.metrics.PeerTableSize.Set(float64(len(bm.table)))
	}
	bm.mu.Unlock()

	for id, c := range docs {
		doc := store.Document{"hosts": c.Hosts, "ports": c.Ports, "version": c.Version, "c_version": c.CVersion}
		if err := bm.membership.Write(id, doc); err != nil {
			bm.log.Warn("babblemouth: persist contact", zap.String("id", id), zap.Error(err))
		}
	}
}

func contactFromDocument(doc store.Document) contact.Contact {
	var c contact.Contact
	if hosts, ok := doc["hosts"].([]any); ok {
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				c.Hosts = append(c.Hosts, s)
			}
		}
	}
	if ports, ok := doc["ports"].([]any); ok {
		for _, p := range ports {
			switch v := p.(type) {
			case float64:
				c.Ports = append(c.Ports, int(v))
			case int:
				c.Ports = append(c.Ports, v)
			}
		}
	}
	if v, ok := doc["version"].(float64); ok {
		c.Version = int64(v)
	}
	if cv, ok := doc["c_version"].(string); ok {
		c.CVersion = cv
	}
	return c
}

// StartGossip loads membership from the persistent store, launches one TLS
// listener per configured (host, port), and enters the supervision loop,
// per spec.md §4.D's startup description. Blocks until ctx is cancelled,
// then tears down all listeners and conversations.
func (bm *Babblemouth) StartGossip(ctx context.Context, hosts []string, ports []int) error {
	if len(hosts) != len(ports) {
		return fmt.Errorf("babblemouth.StartGossip: hosts/ports length mismatch (%d/%d)", len(hosts), len(ports))
	}

	bm.loadMembershipFromDisk()
	bm.serviceStore.Watch(ctx, bm.handleServiceWatch, []string{selfServiceDocID}, bm)

	var wg sync.WaitGroup
	for i := range hosts {
		addr := net.JoinHostPort(hosts[i], strconv.Itoa(ports[i]))
		tcpLn, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("babblemouth.StartGossip: listen %s: %w", addr, err)
		}
		tcpListener, ok := tcpLn.(*net.TCPListener)
		if !ok {
			_ = tcpLn.Close()
			return fmt.Errorf("babblemouth.StartGossip: %s did not yield a TCP listener", addr)
		}
		tlsLn := tls.NewListener(tcpListener, bm.serverTLS)

		bm.mu.Lock()
		bm.listeners = append(bm.listeners, tlsLn)
		bm.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			bm.acceptLoop(ctx, tcpListener, tlsLn)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		bm.supervisionLoop(ctx)
	}()

	<-ctx.Done()
	bm.mu.Lock()
	for _, ln := range bm.listeners {
		_ = ln.Close()
	}
	bm.mu.Unlock()
	wg.Wait()
	return nil
}

func (bm *Babblemouth) loadMembershipFromDisk() {
	ids, err := bm.membership.List()
	if err != nil {
		bm.log.Warn("babblemouth: list membership store", zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == bm.selfID {
			continue
		}
		doc, err := bm.membership.Read(id)
		if err != nil {
			bm.log.Warn("babblemouth: read membership entry", zap.String("id", id), zap.Error(err))
			continue
		}
		bm.loadbabbler(id, contactFromDocument(doc), sourceDisk, nil)
	}
}

// acceptLoop implements spec.md §4.D's listener: a 60-second accept
// timeout used to poll ctx for shutdown.
func (bm *Babblemouth) acceptLoop(ctx context.Context, tcpListener *net.TCPListener, tlsLn net.Listener) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := tcpListener.SetDeadline(time.Now().Add(60 * time.Second)); err != nil {
			bm.log.Warn("babblemouth: set accept deadline", zap.Error(err))
			return
		}
		conn, err := tlsLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			bm.log.Warn("babblemouth: accept", zap.Error(err))
			continue
		}
		go bm.handleAccept(conn)
	}
}

// handleAccept implements spec.md §4.D's five listener steps.
func (bm *Babblemouth) handleAccept(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}
	handshakeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		bm.log.Warn("babblemouth: inbound TLS handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		bm.log.Warn("babblemouth: inbound peer presented no certificate")
		_ = conn.Close()
		return
	}
	peerCert := state.PeerCertificates[0]
	id := peerCert.Subject.CommonName

	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)

	bm.mu.Lock()
	entry, exists := bm.table[id]
	if exists && entry.conv.State() != conversation.Ended {
		bm.mu.Unlock()
		_ = conn.Close() // duplicate session; keep the existing one
		return
	}
	if exists {
		entry.cert = peerCert
		entry.conv.SetAccepted(conn, peerCert, id)
		conv := entry.conv
		bm.mu.Unlock()
		if err := conv.Start(); err != nil {
			bm.log.Warn("babblemouth: start spliced conversation", zap.String("peer", id), zap.Error(err))
		}
		bm.recordConversationStart("inbound")
		return
	}

	conv := conversation.New(bm, bm.log)
	conv.SetAccepted(conn, peerCert, id)
	bm.table[id] = &peerEntry{
		contact: contact.Contact{Hosts: []string{host}, Ports: []int{port}},
		cert:    peerCert,
		conv:    conv,
	}
	bm.mu.Unlock()
	if err := conv.Start(); err != nil {
		bm.log.Warn("babblemouth: start new inbound conversation", zap.String("peer", id), zap.Error(err))
	}
	bm.recordConversationStart("inbound")
}

func (bm *Babblemouth) recordConversationStart(direction string) {
	if bm.metrics != nil {
		bm.metrics.ConversationsStarted.WithLabelValues(direction).Inc()
	}
}

// supervisionLoop implements spec.md §4.D's startup supervision loop: every
// SupervisionInterval, scan the peer table and dispatch a best-effort
// outbound dial for every ENDED entry.
func (bm *Babblemouth) supervisionLoop(ctx context.Context) {
	ticker := time.NewTicker(bm.supervisionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bm.scanAndDial(ctx)
		}
	}
}

func (bm *Babblemouth) scanAndDial(ctx context.Context) {
	bm.mu.Lock()
	ids := make([]string, 0, len(bm.table))
	for id, entry := range bm.table {
		if entry.conv.State() == conversation.Ended {
			ids = append(ids, id)
		}
	}
	if bm.metrics != nil {
		bm.metrics.PeerTableSize.Set(float64(len(bm.table)))
	}
	bm.mu.Unlock()

	for _, id := range ids {
		bm.talktobabbler(ctx, id)
	}
}

// talktobabbler implements spec.md §4.D's outbound dial.
func (bm *Babblemouth) talktobabbler(ctx context.Context, id string) {
	bm.mu.Lock()
	entry, ok := bm.table[id]
	if !ok || entry.conv.State() != conversation.Ended {
		bm.mu.Unlock()
		return
	}
	router := bm.router
	bucket := bm.dialBucket
	bm.mu.Unlock()

	nextID, _, _, routable := router.Route(id)
	if !routable {
		bm.log.Debug("babblemouth: no route to peer", zap.String("id", id))
		return
	}

	if bucket != nil && !bucket.Consume(1) {
		bm.recordDialOutcome("throttled")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := entry.conv.BuildSSL(dialCtx, nextID, bm.clientTLS); err != nil {
		bm.log.Debug("babblemouth: dial failed", zap.String("id", id), zap.Error(err))
		bm.recordDialOutcome("error")
		hosts, _, ok := bm.ResolveEndpoints(nextID)
		if ok {
			entry.conv.RotateEndpoint(len(hosts))
		} else {
			entry.conv.RotateEndpoint(0)
		}
		return
	}
	if err := entry.conv.Start(); err != nil {
		bm.log.Debug("babblemouth: start outbound conversation", zap.String("id", id), zap.Error(err))
		bm.recordDialOutcome("error")
		return
	}
	bm.recordDialOutcome("ok")
	bm.recordConversationStart("outbound")
}

func (bm *Babblemouth) recordDialOutcome(outcome string) {
	if bm.metrics != nil {
		bm.metrics.DialAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// tableRouter is the default Router: table lookup, returning the entry
// itself.
type tableRouter struct {
	bm *Babblemouth
}

func (r tableRouter) Route(id string) (nextID, host string, port int, ok bool) {
	r.bm.mu.Lock()
	defer r.bm.mu.Unlock()
	entry, exists := r.bm.table[id]
	if !exists || !entry.contact.Valid() {
		return "", "", 0, false
	}
	return id, entry.contact.Hosts[0], entry.contact.Ports[0], true
}

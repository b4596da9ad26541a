// Package supervisor implements the service-health scheduler of spec.md
// §4.E: a container/heap-based min-heap of service descriptors keyed by
// due time, the scheduling driver, and change-feed-driven reconciliation.
package supervisor

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/babblemesh/babbler/internal/metrics"
	"github.com/babblemesh/babbler/internal/probe"
	"github.com/babblemesh/babbler/internal/store"
)

// item is one heap entry: a service descriptor plus the fresh flag used by
// two-generation mark-and-sweep reconciliation (spec.md §3 "Supervisor
// queue").
type item struct {
	desc  *probe.Descriptor
	fresh bool
	index int // maintained by container/heap
}

func (it *item) dueTime() time.Time {
	return time.Unix(it.desc.LastSchedule(), 0).Add(it.desc.Interval)
}

// serviceHeap implements container/heap.Interface ordered by due time.
type serviceHeap []*item

func (h serviceHeap) Len() int { return len(h) }
func (h serviceHeap) Less(i, j int) bool {
	return h[i].dueTime().Before(h[j].dueTime())
}
func (h serviceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *serviceHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *serviceHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Supervisor owns the service-health scheduling queue, per spec.md §4.E.
type Supervisor struct {
	mu      sync.Mutex
	heap    serviceHeap
	byUID   map[string]*item
	results store.Database

	log     *zap.Logger
	metrics *metrics.Metrics

	idleSleep time.Duration
}

// New constructs an empty Supervisor. results is the store database the
// scheduling driver publishes getresults() snapshots to.
func New(results store.Database, idleSleep time.Duration, log *zap.Logger, m *metrics.Metrics) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if idleSleep <= 0 {
		idleSleep = 30 * time.Second
	}
	return &Supervisor{
		byUID:     make(map[string]*item),
		results:   results,
		log:       log,
		metrics:   m,
		idleSleep: idleSleep,
	}
}

// queueservice implements spec.md §4.E: builds (or updates in place) a
// descriptor for uid via the protocol's probe factory, setting fresh=1.
// Updating in place does NOT reset lastschedule.
func (s *Supervisor) queueservice(uid, protocol, host string, port int, timeout time.Duration, pattern int, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueserviceLocked(uid, protocol, host, port, timeout, pattern, interval)
}

// queueserviceLocked is queueservice's body, for callers that already hold
// s.mu — namely Reconciler.reconcile, invoked by store.Watch under the
// Supervisor's own lock per spec.md §4.E.
func (s *Supervisor) queueserviceLocked(uid, protocol, host string, port int, timeout time.Duration, pattern int, interval time.Duration) {
	if existing, ok := s.byUID[uid]; ok {
		existing.desc.Protocol = protocol
		existing.desc.Host = host
		existing.desc.Port = port
		existing.desc.Timeout = timeout
		existing.desc.Pattern = pattern
		existing.desc.Interval = interval
		existing.fresh = true
		// index is -1 while the item is checked out of the heap for an
		// in-flight checkservice probe; checkservice's re-Push will pick
		// up these field updates when it re-inserts the item.
		if existing.index >= 0 {
			heap.Fix(&s.heap, existing.index)
		}
		return
	}

	desc := &probe.Descriptor{
		UID:      uid,
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Timeout:  timeout,
		Pattern:  pattern,
		Interval: interval,
	}
	it := &item{desc: desc, fresh: true}
	s.byUID[uid] = it
	heap.Push(&s.heap, it)
	s.updateQueueGauge()
}

// checkservice implements spec.md §4.E: pop the head, invoke the probe's
// Police, and re-insert with an updated lastschedule and fresh=0.
func (s *Supervisor) checkservice(ctx context.Context) {
	s.mu.Lock()
	if s.heap.Len() == 0 {
		s.mu.Unlock()
		return
	}
	it := heap.Pop(&s.heap).(*item)
	s.mu.Unlock()

	p := probe.Lookup(it.desc.Protocol)
	p.Police(ctx, it.desc)
	it.fresh = false

	s.mu.Lock()
	if s.byUID[it.desc.UID] != it {
		// Removed by a reconciliation pass while the probe was in flight;
		// do not resurrect it.
		s.mu.Unlock()
		return
	}
	heap.Push(&s.heap, it)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ChecksPerformedTotal.WithLabelValues(it.desc.Protocol).Inc()
	}
}

// getnextschedule implements spec.md §4.E: returns the head's due time, or
// now if the queue is empty.
func (s *Supervisor) getnextschedule() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Now()
	}
	return s.heap[0].dueTime()
}

// removeobsoleteservices implements spec.md §4.E's two-generation
// mark-and-sweep: entries under group whose fresh flag is 0 are removed;
// entries with fresh==1 have the flag reset to 0.
func (s *Supervisor) removeobsoleteservices(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeobsoleteservicesLocked(group)
}

// removeobsoleteservicesLocked is removeobsoleteservices's body, for
// callers that already hold s.mu (see queueserviceLocked).
func (s *Supervisor) removeobsoleteservicesLocked(group string) {
	prefix := group + "/"
	var toRemove []string
	for uid, it := range s.byUID {
		if len(uid) < len(prefix) || uid[:len(prefix)] != prefix {
			continue
		}
		if it.fresh {
			it.fresh = false
			continue
		}
		toRemove = append(toRemove, uid)
	}
	for _, uid := range toRemove {
		it := s.byUID[uid]
		delete(s.byUID, uid)
		if it.index >= 0 && it.index < s.heap.Len() {
			heap.Remove(&s.heap, it.index)
		}
	}
	s.updateQueueGauge()
}

// getresults implements spec.md §4.E: a JSON snapshot over all entries.
func (s *Supervisor) getresults() ([]byte, error) {
	s.mu.Lock()
	rows := make([][]any, 0, len(s.byUID))
	for _, it := range s.byUID {
		rows = append(rows, []any{
			it.desc.UID,
			it.desc.LastSchedule(),
			int(it.desc.LastStatus()),
			it.desc.Timeout.Seconds(),
		})
	}
	s.mu.Unlock()

	return json.Marshal(map[string]any{"results": rows})
}

func (s *Supervisor) updateQueueGauge() {
	if s.metrics != nil {
		s.metrics.ServicesQueued.Set(float64(len(s.byUID)))
	}
}

// Lock/Unlock satisfy store.Locker, so the Supervisor's own heap mutex can
// be passed directly to store.Database.Watch, per spec.md §4.E's
// requirement that "the lock passed to the watch feed MUST be the
// Supervisor's heap lock".
func (s *Supervisor) Lock()   { s.mu.Lock() }
func (s *Supervisor) Unlock() { s.mu.Unlock() }

// Run is the scheduling driver of spec.md §4.E, a dedicated goroutine
// following the four-step loop verbatim. Blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		empty := s.heap.Len() == 0
		s.mu.Unlock()

		if empty {
			if !sleepOrDone(ctx, s.idleSleep) {
				return
			}
			continue
		}

		wait := time.Until(s.getnextschedule())
		if wait <= 0 {
			s.checkservice(ctx)
			continue
		}

		if err := s.publishResults(); err != nil {
			s.log.Warn("supervisor: publish results", zap.Error(err))
		}
		if !sleepOrDone(ctx, wait) {
			return
		}
	}
}

func (s *Supervisor) publishResults() error {
	if s.results == nil {
		return nil
	}
	body, err := s.getresults()
	if err != nil {
		return fmt.Errorf("supervisor: marshal results: %w", err)
	}
	var doc store.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("supervisor: decode results: %w", err)
	}
	return s.results.Write(selfResultsDocID, doc)
}

const selfResultsDocID = "self"

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// watchlistDocument is the shape of a peer's service-list document stored
// under the watch-list bucket, per spec.md §6.1.
type watchlistDocument struct {
	Services map[string]serviceSpec `json:"services"`
}

type serviceSpec struct {
	Protocol string `json:"proto"`
	Host     string `json:"ipv4"`
	Port     int    `json:"port"`
	Timeout  int    `json:"timeout"`
}

// defaultPattern and defaultInterval are the values the service-list
// schema (spec.md §6.1) does not itself carry; the original hardcodes
// queueservice(..., 200, 180) for every reconciled service, so we do the
// same rather than inventing new schema fields.
const (
	defaultPattern  = 200
	defaultInterval = 180 * time.Second
)

// Reconciler subscribes to the watch-list store's change feed and drives
// queueservice/removeobsoleteservices, per spec.md §4.E's reconciliation
// contract.
type Reconciler struct {
	sup       *Supervisor
	watchlist store.Database
	log       *zap.Logger
}

// NewReconciler builds a Reconciler over sup, reading service-list
// documents from watchlist.
func NewReconciler(sup *Supervisor, watchlist store.Database, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{sup: sup, watchlist: watchlist, log: log}
}

// Start begins watching the watch-list store. Every document id except
// "self" is delivered (spec.md §6.1); reconciliation runs under the
// Supervisor's own heap lock.
func (r *Reconciler) Start(ctx context.Context) {
	r.watchlist.Watch(ctx, r.reconcile, nil, r.sup)
}

func (r *Reconciler) reconcile(id string) {
	doc, err := r.watchlist.Read(id)
	if err != nil {
		r.log.Warn("supervisor: read watch-list document", zap.String("id", id), zap.Error(err))
		return
	}

	body, err := json.Marshal(doc)
	if err != nil {
		r.log.Warn("supervisor: re-encode watch-list document", zap.String("id", id), zap.Error(err))
		return
	}
	var parsed watchlistDocument
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.log.Warn("supervisor: parse services", zap.String("id", id), zap.Error(err))
		return
	}

	// reconcile runs as a store.Watch handler, invoked under the
	// Supervisor's own heap lock (spec.md §4.E); use the lock-free bodies
	// directly rather than re-entering s.mu, which sync.Mutex forbids.
	for k, svc := range parsed.Services {
		uid := id + "/" + k
		r.sup.queueserviceLocked(uid, svc.Protocol, svc.Host, svc.Port,
			time.Duration(svc.Timeout)*time.Second, defaultPattern, defaultInterval)
	}
	r.sup.removeobsoleteservicesLocked(id)

	if r.sup.metrics != nil {
		r.sup.metrics.ReconciliationsTotal.Inc()
	}
}

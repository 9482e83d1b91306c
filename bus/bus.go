// Package bus is the in-process progress event bus. Every workflow run owns
// one topic, and the "*" firehose topic carries all of them; publishers
// never block and never fail. Each topic retains a bounded ring of recent
// events so a subscriber arriving mid-run still sees recent history; when
// the ring is full the oldest event is dropped and counted.
package bus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"quamina.net/go/quamina"

	"github.com/metalforge/metalforge/pkg/data"
)

// DefaultCapacity is the per-topic ring size.
const DefaultCapacity = 256

// TopicAll is the firehose topic: it receives every workflow's events and
// is never retired.
const TopicAll = "*"

type Bus struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	capacity int
}

type Option func(*Bus)

// WithCapacity overrides the per-topic ring size, mainly for tests.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		topics:   map[string]*topic{},
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// topic events are addressed by sequence number; the event with sequence s,
// first <= s < next, lives at buf[s%len(buf)].
type topic struct {
	mu      sync.Mutex
	buf     []data.ProgressEvent
	first   uint64
	next    uint64
	dropped uint64
	retired bool
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	cursor  uint64
	notify  chan struct{}
	out     chan data.ProgressEvent
	matcher *quamina.Quamina
}

// Publish appends ev to its workflow topic and to the firehose topic. It
// never blocks: a full ring drops its oldest event, a retired topic drops
// ev entirely.
func (b *Bus) Publish(ev data.ProgressEvent) {
	if b.topic(ev.WorkflowID).append(ev) {
		publishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	b.topic(TopicAll).append(ev)
}

// append adds ev to the ring, reporting false when the topic is retired.
func (t *topic) append(ev data.ProgressEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return false
	}
	t.buf[t.next%uint64(len(t.buf))] = ev
	t.next++
	if t.next-t.first > uint64(len(t.buf)) {
		t.first++
		t.dropped++
		droppedTotal.Inc()
	}
	t.wakeLocked()
	return true
}

// Subscribe returns a channel of events for one workflow topic, starting at
// the earliest retained event. The channel closes when ctx is done or the
// topic is retired and fully drained. Subscribing before the first publish
// is supported.
func (b *Bus) Subscribe(ctx context.Context, workflowID string) <-chan data.ProgressEvent {
	ch, _ := b.subscribe(ctx, workflowID, nil)
	return ch
}

// SubscribeMatch is Subscribe filtered through a pattern matched against
// each event's JSON form. An empty pattern matches every event. See
// quamina's pattern syntax.
func (b *Bus) SubscribeMatch(ctx context.Context, workflowID, pattern string) (<-chan data.ProgressEvent, error) {
	if pattern == "" {
		return b.subscribe(ctx, workflowID, nil)
	}
	q, err := quamina.New()
	if err != nil {
		return nil, err
	}
	if err := q.AddPattern("subscription", pattern); err != nil {
		return nil, err
	}
	return b.subscribe(ctx, workflowID, q)
}

func (b *Bus) subscribe(ctx context.Context, workflowID string, q *quamina.Quamina) (<-chan data.ProgressEvent, error) {
	t := b.topic(workflowID)
	s := &subscriber{
		notify:  make(chan struct{}, 1),
		out:     make(chan data.ProgressEvent),
		matcher: q,
	}
	t.mu.Lock()
	s.cursor = t.first
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.pump(ctx, t)
	return s.out, nil
}

func (s *subscriber) pump(ctx context.Context, t *topic) {
	defer func() {
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
		close(s.out)
	}()

	for {
		t.mu.Lock()
		if s.cursor < t.first {
			// The ring lapped this subscriber; resume at the oldest
			// retained event.
			s.cursor = t.first
		}
		if s.cursor == t.next {
			retired := t.retired
			t.mu.Unlock()
			if retired {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
				continue
			}
		}
		ev := t.buf[s.cursor%uint64(len(t.buf))]
		s.cursor++
		t.mu.Unlock()

		if s.matcher != nil && !matches(s.matcher, ev) {
			continue
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func matches(q *quamina.Quamina, ev data.ProgressEvent) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	got, err := q.MatchesForEvent(b)
	if err != nil {
		return false
	}
	return len(got) > 0
}

// Retire marks a topic finished. Subscribers, current and late, still drain
// the retained events and then their channels close; further publishes are
// dropped. Retiring an unknown topic is a no-op.
func (b *Bus) Retire(workflowID string) {
	b.mu.RLock()
	t, ok := b.topics[workflowID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.retired = true
	t.wakeLocked()
	t.mu.Unlock()
}

// Dropped reports how many events the topic has discarded to stay within
// its ring capacity.
func (b *Bus) Dropped(workflowID string) uint64 {
	b.mu.RLock()
	t, ok := b.topics[workflowID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Topics lists the live (non-retired) workflow topics, sorted. The
// firehose topic is not listed.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for id, t := range b.topics {
		if id == TopicAll {
			continue
		}
		t.mu.Lock()
		retired := t.retired
		t.mu.Unlock()
		if !retired {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Bus) topic(workflowID string) *topic {
	b.mu.RLock()
	t, ok := b.topics[workflowID]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[workflowID]; ok {
		return t
	}
	t = &topic{
		buf:  make([]data.ProgressEvent, b.capacity),
		subs: map[*subscriber]struct{}{},
	}
	b.topics[workflowID] = t
	return t
}

// wakeLocked nudges every subscriber; t.mu must be held.
func (t *topic) wakeLocked() {
	for s := range t.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metalforge_bus_events_published_total",
			Help: "Count of progress events published, by event kind.",
		},
		[]string{"kind"},
	)
	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metalforge_bus_events_dropped_total",
			Help: "Count of progress events dropped by full topic rings.",
		},
	)
)

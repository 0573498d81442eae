package events

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-safemode/pkg/observability/metrics"
)

var (
    ErrClosed    = errors.New("events: queue closed")
    ErrQueueFull = errors.New("events: queue full")
)

// Options configures a Queue.
type Options struct {
    // Workers is the number of dispatch goroutines (default 4).
    Workers int
    // Buffer is the capacity of the pending event buffer (default 1024).
    Buffer int
    Logger *log.Logger
}

// Queue routes events to the handlers subscribed for their kind.
type Queue struct {
    opts Options
    mu   sync.RWMutex
    subs map[Kind][]Handler
    ch   chan Event
    done chan struct{}
    pending pending
    // senders counts PublishWait calls that may still write to ch.
    senders sync.WaitGroup
    run  struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
        group   *errgroup.Group
    }
}

func NewQueue(opts Options) *Queue {
    if opts.Workers <= 0 { opts.Workers = 4 }
    if opts.Buffer <= 0 { opts.Buffer = 1024 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Queue{opts: opts, subs: make(map[Kind][]Handler), ch: make(chan Event, opts.Buffer), done: make(chan struct{})}
}

// Subscribe registers h for events of kind k. Subscriptions are expected to be
// set up before Start but are safe at any time.
func (q *Queue) Subscribe(k Kind, h Handler) {
    if h == nil { return }
    q.mu.Lock()
    q.subs[k] = append(q.subs[k], h)
    q.mu.Unlock()
}

// Publish enqueues ev without blocking. Events published before Start are
// buffered and dispatched once workers run.
func (q *Queue) Publish(ev Event) error {
    if ev.At.IsZero() { ev.At = time.Now() }
    q.mu.RLock()
    defer q.mu.RUnlock()
    if q.run.closed { return ErrClosed }
    q.pending.add()
    select {
    case q.ch <- ev:
        obsmetrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
        return nil
    default:
        q.pending.done()
        obsmetrics.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
        logutil.Warnf(q.opts.Logger, "events: dropping %s event: queue full", ev.Kind)
        return ErrQueueFull
    }
}

// PublishWait enqueues ev, blocking while the buffer is full. It never drops:
// it returns nil once ev is queued, ErrClosed if the queue closes first, or
// ctx.Err(). Producers that must not lose events (committed registrations)
// use it to apply backpressure.
func (q *Queue) PublishWait(ctx context.Context, ev Event) error {
    if ev.At.IsZero() { ev.At = time.Now() }
    q.mu.RLock()
    if q.run.closed {
        q.mu.RUnlock()
        return ErrClosed
    }
    q.senders.Add(1)
    q.pending.add()
    q.mu.RUnlock()
    defer q.senders.Done()
    select {
    case q.ch <- ev:
        obsmetrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
        return nil
    case <-q.done:
        q.pending.done()
        return ErrClosed
    case <-ctx.Done():
        q.pending.done()
        return ctx.Err()
    }
}

// Start launches the dispatch workers. They stop when ctx is done or Close is
// called.
func (q *Queue) Start(ctx context.Context) {
    q.mu.Lock()
    defer q.mu.Unlock()
    if q.run.started || q.run.closed { return }
    q.run.started = true
    ctx, cancel := context.WithCancel(ctx)
    q.run.cancel = cancel
    g, gctx := errgroup.WithContext(ctx)
    for i := 0; i < q.opts.Workers; i++ {
        g.Go(func() error { q.worker(gctx); return nil })
    }
    q.run.group = g
}

func (q *Queue) worker(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-q.ch:
            if !ok { return }
            q.dispatch(ev)
        }
    }
}

func (q *Queue) dispatch(ev Event) {
    defer q.pending.done()
    q.mu.RLock()
    hs := append([]Handler(nil), q.subs[ev.Kind]...)
    q.mu.RUnlock()
    for _, h := range hs {
        q.safeCall(h, ev)
    }
    obsmetrics.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
}

func (q *Queue) safeCall(h Handler, ev Event) {
    defer func() {
        if r := recover(); r != nil {
            logutil.Errorf(q.opts.Logger, "events: handler for %s panicked: %v", ev.Kind, r)
        }
    }()
    h(ev)
}

// Drain blocks until every event published so far has been dispatched, or ctx
// is done.
func (q *Queue) Drain(ctx context.Context) error {
    select {
    case <-q.pending.idle():
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Close stops accepting events, lets workers finish the buffered ones and
// waits for them to exit.
func (q *Queue) Close() error {
    q.mu.Lock()
    if q.run.closed { q.mu.Unlock(); return nil }
    q.run.closed = true
    started := q.run.started
    g := q.run.group
    cancel := q.run.cancel
    close(q.done)
    q.mu.Unlock()
    // Blocked PublishWait callers return on done; ch is closed only once
    // none of them can still send.
    q.senders.Wait()
    close(q.ch)
    if !started {
        // nothing will ever dispatch the buffered events
        for range q.ch { q.pending.done() }
        return nil
    }
    err := g.Wait()
    cancel()
    // events left behind by a cancelled context are discarded
    for range q.ch { q.pending.done() }
    return err
}

// pending counts events published but not yet fully dispatched.
type pending struct {
    mu   sync.Mutex
    n    int
    ch   chan struct{}
}

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

func (p *pending) add() {
    p.mu.Lock()
    if p.n == 0 { p.ch = make(chan struct{}) }
    p.n++
    p.mu.Unlock()
}

func (p *pending) done() {
    p.mu.Lock()
    p.n--
    if p.n == 0 { close(p.ch) }
    p.mu.Unlock()
}

func (p *pending) idle() <-chan struct{} {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.n == 0 { return closedCh }
    return p.ch
}

package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrWorkerRedundant indicates a message posted to a replaced or
	// unregistered worker
	ErrWorkerRedundant = errors.New("worker is redundant")

	// ErrInvalidScope indicates a scope that is not an absolute path
	ErrInvalidScope = errors.New("invalid scope")

	// ErrUnregistered indicates an operation on a removed registration
	ErrUnregistered = errors.New("registration is unregistered")
)

const (
	// DefaultScope is used when RegisterOptions.Scope is empty
	DefaultScope = "/"

	mailboxSize = 64
)

// Handler handles control messages inside a worker. SKIP_WAITING is
// handled by the runtime and never reaches it.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Script is a fetched worker script.
type Script struct {
	URL string

	// Version identifies the script content. An update installs a new
	// worker only when it changes.
	Version string

	Handler Handler
}

// ScriptLoader fetches worker scripts.
type ScriptLoader interface {
	Load(ctx context.Context, url string, policy UpdateViaCache) (Script, error)
}

// ScriptLoaderFunc adapts a function to ScriptLoader.
type ScriptLoaderFunc func(ctx context.Context, url string, policy UpdateViaCache) (Script, error)

// Load calls f(ctx, url, policy).
func (f ScriptLoaderFunc) Load(ctx context.Context, url string, policy UpdateViaCache) (Script, error) {
	return f(ctx, url, policy)
}

// RuntimeOption customizes a Runtime.
type RuntimeOption func(*Runtime)

// WithClientURL sets the path of the client whose controller is reported
// by Controller (default "/").
func WithClientURL(path string) RuntimeOption {
	return func(rt *Runtime) {
		rt.clientURL = path
	}
}

// Runtime is an in-process Container. Every worker runs in its own
// goroutine and handles its mailbox serially.
//
// The first worker of a registration activates as soon as it is
// installed. A worker installed while another one is active waits until
// it receives SKIP_WAITING.
type Runtime struct {
	loader    ScriptLoader
	clientURL string
	logger    zerolog.Logger

	mu      sync.Mutex
	regs    map[string]*registration
	actives map[string]*worker
}

var _ Container = (*Runtime)(nil)

// NewRuntime creates a runtime.
func NewRuntime(loader ScriptLoader, logger zerolog.Logger, opts ...RuntimeOption) *Runtime {
	if loader == nil {
		panic("script loader cannot be nil")
	}
	rt := &Runtime{
		loader:    loader,
		clientURL: DefaultScope,
		logger:    logger,
		regs:      make(map[string]*registration),
		actives:   make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register implements Container. Registering an existing scope replaces
// its script URL, options and listener and checks for an update.
func (rt *Runtime) Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error) {
	if scriptURL == "" {
		return nil, fmt.Errorf("script url is required")
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if !strings.HasPrefix(opts.Scope, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, opts.Scope)
	}
	if opts.UpdateViaCache == "" {
		opts.UpdateViaCache = UpdateViaCacheImports
	}

	rt.mu.Lock()
	reg, exists := rt.regs[opts.Scope]
	if !exists {
		reg = newRegistration(rt, scriptURL, opts)
		rt.regs[opts.Scope] = reg
	}
	rt.mu.Unlock()

	if exists {
		reg.reconfigure(scriptURL, opts)
	}
	if err := reg.Update(ctx); err != nil {
		if !exists {
			rt.remove(reg)
			reg.events.close()
		}
		return nil, err
	}
	return reg, nil
}

// Controller implements Container.
func (rt *Runtime) Controller() Worker {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var (
		best      *worker
		bestScope string
	)
	for scope, w := range rt.actives {
		if strings.HasPrefix(rt.clientURL, scope) && (best == nil || len(scope) > len(bestScope)) {
			best, bestScope = w, scope
		}
	}
	if best == nil {
		return nil
	}
	return best
}

// Registration returns the registration of scope, nil if none.
func (rt *Runtime) Registration(scope string) Registration {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if reg, ok := rt.regs[scope]; ok {
		return reg
	}
	return nil
}

// Close unregisters every registration and waits until their events
// have been delivered, or ctx is done.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	regs := make([]*registration, 0, len(rt.regs))
	for _, reg := range rt.regs {
		regs = append(regs, reg)
	}
	rt.mu.Unlock()

	for _, reg := range regs {
		if _, err := reg.Unregister(ctx); err != nil {
			return err
		}
	}
	for _, reg := range regs {
		select {
		case <-reg.events.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (rt *Runtime) setActive(reg *registration, w *worker) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.regs[reg.scope] == reg {
		rt.actives[reg.scope] = w
	}
}

func (rt *Runtime) remove(reg *registration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.regs[reg.scope] == reg {
		delete(rt.regs, reg.scope)
		delete(rt.actives, reg.scope)
	}
}

// registration implements Registration. Lock order: registration.mu
// before Runtime.mu.
type registration struct {
	rt     *Runtime
	scope  string
	logger zerolog.Logger
	events *eventQueue

	updating sync.Mutex

	mu             sync.Mutex
	scriptURL      string
	updateViaCache UpdateViaCache
	listener       func(Event)
	installing     *worker
	waiting        *worker
	active         *worker
	gone           bool
}

func newRegistration(rt *Runtime, scriptURL string, opts RegisterOptions) *registration {
	return &registration{
		rt:             rt,
		scope:          opts.Scope,
		logger:         rt.logger.With().Str("scope", opts.Scope).Logger(),
		events:         newEventQueue(),
		scriptURL:      scriptURL,
		updateViaCache: opts.UpdateViaCache,
		listener:       opts.Listener,
	}
}

func (r *registration) reconfigure(scriptURL string, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scriptURL = scriptURL
	r.updateViaCache = opts.UpdateViaCache
	r.listener = opts.Listener
}

func (r *registration) Scope() string {
	return r.scope
}

func (r *registration) UpdateViaCache() UpdateViaCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateViaCache
}

func (r *registration) Installing() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.installing)
}

func (r *registration) Waiting() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.waiting)
}

func (r *registration) Active() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.active)
}

// Update fetches the script and installs a new worker if its URL or
// version differ from the newest worker's.
func (r *registration) Update(ctx context.Context) error {
	r.updating.Lock()
	defer r.updating.Unlock()

	r.mu.Lock()
	if r.gone {
		r.mu.Unlock()
		return ErrUnregistered
	}
	url, policy := r.scriptURL, r.updateViaCache
	newest := r.waiting
	if newest == nil {
		newest = r.active
	}
	r.mu.Unlock()

	script, err := r.rt.loader.Load(ctx, url, policy)
	if err != nil {
		return fmt.Errorf("load script %s: %w", url, err)
	}
	if script.Handler == nil {
		return fmt.Errorf("load script %s: no handler", url)
	}
	if script.URL == "" {
		script.URL = url
	}

	if newest != nil && newest.script.URL == script.URL && newest.script.Version == script.Version {
		r.logger.Debug().Str("version", script.Version).Msg("Worker script unchanged")
		return nil
	}

	r.install(script)
	return nil
}

func (r *registration) install(script Script) {
	w := newWorker(r, script)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gone {
		w.stop()
		return
	}

	r.logger.Info().
		Str("worker_id", w.id).
		Str("script", script.URL).
		Str("version", script.Version).
		Msg("Installing worker")

	r.installing = w
	WorkerTransitions.WithLabelValues(string(WorkerInstalling)).Inc()
	r.emitLocked(EventUpdateFound, w, "")

	r.installing = nil
	if r.waiting != nil {
		r.retireLocked(r.waiting)
	}
	r.waiting = w
	r.setStateLocked(w, WorkerInstalled)

	if r.active == nil {
		r.activateLocked(w)
	}
}

// skipWaiting activates w if it is still the waiting worker.
func (r *registration) skipWaiting(w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting != w {
		r.logger.Debug().Str("worker_id", w.id).Msg("Skip waiting ignored, worker is not waiting")
		return
	}
	r.activateLocked(w)
}

func (r *registration) activateLocked(w *worker) {
	old := r.active

	r.waiting = nil
	r.setStateLocked(w, WorkerActivating)
	r.active = w
	r.rt.setActive(r, w)
	r.setStateLocked(w, WorkerActivated)

	if old != nil {
		r.retireLocked(old)
	}
	r.logger.Info().Str("worker_id", w.id).Str("version", w.script.Version).Msg("Worker activated")
}

func (r *registration) retireLocked(w *worker) {
	r.setStateLocked(w, WorkerRedundant)
	w.stop()
}

func (r *registration) setStateLocked(w *worker, state WorkerState) {
	w.setState(state)
	WorkerTransitions.WithLabelValues(string(state)).Inc()
	r.emitLocked(EventStateChange, w, state)
}

func (r *registration) emitLocked(typ EventType, w *worker, state WorkerState) {
	if r.listener == nil {
		return
	}
	r.events.push(r.listener, Event{
		Type:         typ,
		Registration: r,
		Worker:       w,
		State:        state,
		Controller:   r.rt.Controller(),
	})
}

// Unregister implements Registration.
func (r *registration) Unregister(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	if r.gone {
		r.mu.Unlock()
		return false, nil
	}
	r.gone = true
	for _, w := range []*worker{r.installing, r.waiting, r.active} {
		if w != nil {
			r.retireLocked(w)
		}
	}
	r.installing, r.waiting, r.active = nil, nil, nil
	r.mu.Unlock()

	r.rt.remove(r)
	r.events.close()
	r.logger.Info().Msg("Registration removed")
	return true, nil
}

func asWorker(w *worker) Worker {
	if w == nil {
		return nil
	}
	return w
}

// worker implements Worker.
type worker struct {
	id     string
	script Script
	reg    *registration
	logger zerolog.Logger

	mu    sync.Mutex
	state WorkerState

	mailbox  chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newWorker(reg *registration, script Script) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	w := &worker{
		id:      id,
		script:  script,
		reg:     reg,
		logger:  reg.logger.With().Str("worker_id", id).Logger(),
		state:   WorkerInstalling,
		mailbox: make(chan []byte, mailboxSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) ScriptURL() string {
	return w.script.URL
}

func (w *worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(state WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

// PostMessage implements Worker. The message is queued in its wire form.
func (w *worker) PostMessage(ctx context.Context, msg Message) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if w.State() == WorkerRedundant {
		return ErrWorkerRedundant
	}

	select {
	case w.mailbox <- raw:
		return nil
	case <-w.ctx.Done():
		return ErrWorkerRedundant
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) run() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case raw := <-w.mailbox:
			w.handle(raw)
		}
	}
}

func (w *worker) handle(raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		MessagesHandled.WithLabelValues("unknown", "error").Inc()
		w.logger.Warn().Err(err).Msg("Dropping malformed message")
		return
	}

	if msg.Type == MessageSkipWaiting {
		w.reg.skipWaiting(w)
		MessagesHandled.WithLabelValues(string(msg.Type), "success").Inc()
		return
	}

	if err := w.script.Handler.HandleMessage(w.ctx, msg); err != nil {
		MessagesHandled.WithLabelValues(string(msg.Type), "error").Inc()
		w.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Message handler failed")
		return
	}
	MessagesHandled.WithLabelValues(string(msg.Type), "success").Inc()
}

func (w *worker) stop() {
	w.stopOnce.Do(w.cancel)
}

// eventQueue delivers events to listeners in order on its own goroutine,
// so listeners may call back into the registration.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queuedEvent
	closed bool
	done   chan struct{}
}

type queuedEvent struct {
	listener func(Event)
	event    Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *eventQueue) push(listener func(Event), ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, queuedEvent{listener: listener, event: ev})
	q.cond.Signal()
}

// close stops the queue once the pending events are delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Signal()
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		item.listener(item.event)
	}
}

package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrUnsupported indicates the manager has no worker container
	ErrUnsupported = errors.New("service workers are not supported")

	// ErrNotRegistered indicates an operation that needs a registration
	ErrNotRegistered = errors.New("service worker is not registered")
)

// State is the registration lifecycle state tracked by a Manager.
type State string

const (
	StateUnregistered    State = "unregistered"
	StateRegistering     State = "registering"
	StateRegistered      State = "registered"
	StateUpdateAvailable State = "update-available"
	StateActivating      State = "activating"
	StateActive          State = "active"
)

// Config configures Manager.Register.
type Config struct {
	// Scope is the URL path prefix the worker controls (default "/")
	Scope string

	// UpdateViaCache is the script update policy (default "imports")
	UpdateViaCache UpdateViaCache

	// OnSuccess is called when a worker finished installing and no
	// worker controlled the scope before (first install)
	OnSuccess func(Registration)

	// OnUpdate is called when a new worker finished installing while
	// another one controls the scope
	OnUpdate func(Registration)

	// OnError is called when registration or an update check fails
	OnError func(error)
}

// Manager drives the lifecycle of one worker registration and posts
// control messages to it.
//
// Callbacks run outside the manager's lock on the container's event
// goroutine; they may call back into the manager.
type Manager struct {
	container Container
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
	reg   Registration
	cfg   Config

	// generation increases on every Register and Unregister; events of
	// an older generation are ignored
	generation uint64
}

// NewManager creates a manager. A nil container makes every lifecycle
// operation fail with ErrUnsupported; this is logged once here.
func NewManager(container Container, logger zerolog.Logger) *Manager {
	m := &Manager{
		container: container,
		logger:    logger,
		state:     StateUnregistered,
	}
	if container == nil {
		m.logger.Warn().Msg("Service workers unsupported, lifecycle operations disabled")
	}
	return m
}

// Supported reports whether the manager has a container.
func (m *Manager) Supported() bool {
	return m.container != nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Registration returns the current registration, nil if none.
func (m *Manager) Registration() Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg
}

// Register registers scriptURL. The install outcome is reported through
// cfg's callbacks.
func (m *Manager) Register(ctx context.Context, scriptURL string, cfg Config) (Registration, error) {
	if m.container == nil {
		return nil, ErrUnsupported
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.cfg = cfg
	m.state = StateRegistering
	m.mu.Unlock()

	m.logger.Info().Str("script", scriptURL).Str("scope", cfg.Scope).Msg("Registering service worker")

	reg, err := m.container.Register(ctx, scriptURL, RegisterOptions{
		Scope:          cfg.Scope,
		UpdateViaCache: cfg.UpdateViaCache,
		Listener: func(ev Event) {
			m.handleEvent(gen, ev)
		},
	})
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.state = StateUnregistered
		}
		m.mu.Unlock()

		err = fmt.Errorf("register service worker: %w", err)
		m.logger.Error().Err(err).Msg("Service worker registration failed")
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.generation == gen {
		m.reg = reg
		if m.state == StateRegistering {
			m.state = StateRegistered
		}
	}
	m.mu.Unlock()

	return reg, nil
}

// handleEvent advances the state machine and picks the callback to run.
func (m *Manager) handleEvent(gen uint64, ev Event) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	var callback func(Registration)
	switch ev.Type {
	case EventUpdateFound:
		m.logger.Debug().Str("worker_id", ev.Worker.ID()).Msg("Service worker update found")

	case EventStateChange:
		switch ev.State {
		case WorkerInstalled:
			if ev.Controller != nil && ev.Controller.ID() != ev.Worker.ID() {
				m.state = StateUpdateAvailable
				callback = m.cfg.OnUpdate
				m.logger.Info().Str("worker_id", ev.Worker.ID()).Msg("Service worker update available")
			} else {
				m.state = StateRegistered
				callback = m.cfg.OnSuccess
				m.logger.Info().Str("worker_id", ev.Worker.ID()).Msg("Service worker installed")
			}
		case WorkerActivating:
			m.state = StateActivating
		case WorkerActivated:
			m.state = StateActive
		}
	}
	m.mu.Unlock()

	if callback != nil {
		callback(ev.Registration)
	}
}

// Unregister removes the registration. It reports whether there was one.
func (m *Manager) Unregister(ctx context.Context) (bool, error) {
	if m.container == nil {
		return false, ErrUnsupported
	}

	m.mu.Lock()
	reg := m.reg
	m.generation++
	m.reg = nil
	m.state = StateUnregistered
	m.mu.Unlock()

	if reg == nil {
		return false, nil
	}
	ok, err := reg.Unregister(ctx)
	if err != nil {
		return false, fmt.Errorf("unregister service worker: %w", err)
	}
	m.logger.Info().Bool("unregistered", ok).Msg("Service worker unregistered")
	return ok, nil
}

// CheckForUpdates asks the container to fetch the script again.
func (m *Manager) CheckForUpdates(ctx context.Context) error {
	if m.container == nil {
		return ErrUnsupported
	}

	m.mu.Lock()
	reg, onError := m.reg, m.cfg.OnError
	m.mu.Unlock()

	if reg == nil {
		return ErrNotRegistered
	}
	if err := reg.Update(ctx); err != nil {
		err = fmt.Errorf("check for updates: %w", err)
		m.logger.Warn().Err(err).Msg("Service worker update check failed")
		if onError != nil {
			onError(err)
		}
		return err
	}
	return nil
}

// SkipWaiting tells the waiting worker to activate immediately.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	reg := m.Registration()
	if reg == nil {
		m.drop(MessageSkipWaiting, "no registration")
		return nil
	}
	w := reg.Waiting()
	if w == nil {
		m.drop(MessageSkipWaiting, "no waiting worker")
		return nil
	}

	if err := m.post(ctx, w, SkipWaiting()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.reg == reg && m.state == StateUpdateAvailable {
		m.state = StateActivating
	}
	m.mu.Unlock()
	return nil
}

// ClearCaches tells the active worker to drop its response cache.
func (m *Manager) ClearCaches(ctx context.Context) error {
	return m.postActive(ctx, ClearCaches())
}

// InvalidateAPICache tells the active worker to drop the responses whose
// key matches pattern, a Go regular expression.
func (m *Manager) InvalidateAPICache(ctx context.Context, pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return m.postActive(ctx, InvalidateAPICache(pattern))
}

func (m *Manager) postActive(ctx context.Context, msg Message) error {
	reg := m.Registration()
	if reg == nil {
		m.drop(msg.Type, "no registration")
		return nil
	}
	w := reg.Active()
	if w == nil {
		m.drop(msg.Type, "no active worker")
		return nil
	}
	return m.post(ctx, w, msg)
}

func (m *Manager) post(ctx context.Context, w Worker, msg Message) error {
	if err := w.PostMessage(ctx, msg); err != nil {
		MessagesPosted.WithLabelValues(string(msg.Type), "error").Inc()
		return fmt.Errorf("post %s: %w", msg.Type, err)
	}
	MessagesPosted.WithLabelValues(string(msg.Type), "posted").Inc()
	m.logger.Debug().Str("type", string(msg.Type)).Str("worker_id", w.ID()).Msg("Posted message")
	return nil
}

func (m *Manager) drop(typ MessageType, reason string) {
	MessagesPosted.WithLabelValues(string(typ), "dropped").Inc()
	m.logger.Debug().Str("type", string(typ)).Str("reason", reason).Msg("Dropped message")
}

package serviceworker

import "context"

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerInstalling WorkerState = "installing"
	WorkerInstalled  WorkerState = "installed"
	WorkerActivating WorkerState = "activating"
	WorkerActivated  WorkerState = "activated"
	WorkerRedundant  WorkerState = "redundant"
)

// UpdateViaCache controls whether script fetches may be served from an
// HTTP cache when checking for updates.
type UpdateViaCache string

const (
	UpdateViaCacheImports UpdateViaCache = "imports"
	UpdateViaCacheAll     UpdateViaCache = "all"
	UpdateViaCacheNone    UpdateViaCache = "none"
)

// EventType identifies a registration event.
type EventType string

const (
	// EventUpdateFound fires when a new worker starts installing
	EventUpdateFound EventType = "updatefound"

	// EventStateChange fires on every worker state transition
	EventStateChange EventType = "statechange"
)

// Event is delivered to a RegisterOptions.Listener. Events of one
// registration are delivered in order, one at a time.
type Event struct {
	Type         EventType
	Registration Registration
	Worker       Worker

	// State is the new worker state of a statechange event
	State WorkerState

	// Controller is the worker controlling the scope when the event
	// happened, nil if none
	Controller Worker
}

// RegisterOptions configures Container.Register.
type RegisterOptions struct {
	// Scope is the URL path prefix the worker controls (default "/")
	Scope string

	// UpdateViaCache is the script update policy (default "imports")
	UpdateViaCache UpdateViaCache

	// Listener receives the registration's events, starting with the
	// first install. It is called outside container locks.
	Listener func(Event)
}

// Worker is a running worker script.
type Worker interface {
	ID() string
	ScriptURL() string
	State() WorkerState

	// PostMessage queues msg for the worker. It does not wait for the
	// worker to handle it.
	PostMessage(ctx context.Context, msg Message) error
}

// Registration ties a script to a scope.
type Registration interface {
	Scope() string
	UpdateViaCache() UpdateViaCache

	// Installing, Waiting and Active return nil when the slot is empty.
	Installing() Worker
	Waiting() Worker
	Active() Worker

	// Update re-fetches the script and installs it if it changed.
	Update(ctx context.Context) error

	// Unregister makes every worker redundant. It reports false if the
	// registration was already gone.
	Unregister(ctx context.Context) (bool, error)
}

// Container hosts worker registrations, in the shape of the browser's
// navigator.serviceWorker.
type Container interface {
	Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error)

	// Controller returns the active worker controlling the default scope,
	// nil if none.
	Controller() Worker
}

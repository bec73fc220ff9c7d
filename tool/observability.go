package tool

import (
	"sync"

	"github.com/petal-labs/petalstream/core"
)

// ConnectObservation captures one provider initialize outcome.
type ConnectObservation struct {
	Provider   string
	Transport  core.TransportKind
	Tools      int
	DurationMS int64
	Success    bool
	ErrorKind  core.ErrorKind
}

// InvokeObservation captures one tool invocation outcome.
type InvokeObservation struct {
	Provider   string
	Tool       string
	Transport  core.TransportKind
	DurationMS int64
	Success    bool
	ErrorKind  core.ErrorKind
}

// ShutdownObservation captures one provider shutdown.
type ShutdownObservation struct {
	Provider   string
	DurationMS int64
	Success    bool
}

// CollisionObservation captures one merge conflict.
type CollisionObservation struct {
	Tool    string
	Kept    string
	Dropped string
}

// HealthObservation captures one scheduled probe result.
type HealthObservation struct {
	Provider   string
	Healthy    bool
	DurationMS int64
	ErrorKind  core.ErrorKind
}

// Observer receives provider-level observability events.
type Observer interface {
	ObserveConnect(observation ConnectObservation)
	ObserveInvoke(observation InvokeObservation)
	ObserveShutdown(observation ShutdownObservation)
	ObserveCollision(observation CollisionObservation)
	ObserveHealth(observation HealthObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveConnect(ConnectObservation)     {}
func (noopObserver) ObserveInvoke(InvokeObservation)       {}
func (noopObserver) ObserveShutdown(ShutdownObservation)   {}
func (noopObserver) ObserveCollision(CollisionObservation) {}
func (noopObserver) ObserveHealth(HealthObservation)       {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide provider observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func currentObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return activeObserver
}

func emitConnectObservation(observation ConnectObservation) {
	currentObserver().ObserveConnect(observation)
}

func emitInvokeObservation(observation InvokeObservation) {
	currentObserver().ObserveInvoke(observation)
}

func emitShutdownObservation(observation ShutdownObservation) {
	currentObserver().ObserveShutdown(observation)
}

func emitCollisionObservation(observation CollisionObservation) {
	currentObserver().ObserveCollision(observation)
}

func emitHealthObservation(observation HealthObservation) {
	currentObserver().ObserveHealth(observation)
}

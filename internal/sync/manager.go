package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Worker is a long-running background loop that returns when ctx is done.
type Worker func(ctx context.Context)

// Manager supervises the engine's background workers (poller, lease
// renewal, push consumers, outbox dispatch) by name.
type Manager struct {
	workers      map[string]*worker
	workersMutex sync.RWMutex
	wg           sync.WaitGroup
}

type worker struct {
	cancel context.CancelFunc
}

// NewManager creates a worker manager
func NewManager() *Manager {
	return &Manager{
		workers: make(map[string]*worker),
	}
}

// Start runs fn in the background under name.
func (m *Manager) Start(ctx context.Context, name string, fn Worker) error {
	m.workersMutex.Lock()
	defer m.workersMutex.Unlock()

	if _, exists := m.workers[name]; exists {
		return fmt.Errorf("worker %s already running", name)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel}
	m.workers[name] = w
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		log.WithField("worker", name).Debug("worker start")
		fn(workerCtx)

		m.workersMutex.Lock()
		if m.workers[name] == w {
			delete(m.workers, name)
		}
		m.workersMutex.Unlock()
		cancel()
		log.WithField("worker", name).Debug("worker stop")
	}()

	return nil
}

// Stop cancels the named worker.
func (m *Manager) Stop(name string) error {
	m.workersMutex.Lock()
	defer m.workersMutex.Unlock()

	w, exists := m.workers[name]
	if !exists {
		return fmt.Errorf("no worker running for %s", name)
	}

	w.cancel()
	delete(m.workers, name)
	return nil
}

// IsRunning checks if a worker is running
func (m *Manager) IsRunning(name string) bool {
	m.workersMutex.RLock()
	defer m.workersMutex.RUnlock()

	_, exists := m.workers[name]
	return exists
}

// StopAll cancels every worker and waits for them to return.
func (m *Manager) StopAll() {
	m.workersMutex.Lock()
	for name, w := range m.workers {
		log.WithField("worker", name).Info("stopping worker")
		w.cancel()
	}
	m.workers = make(map[string]*worker)
	m.workersMutex.Unlock()

	m.wg.Wait()
}

// Running returns the names of running workers, sorted.
func (m *Manager) Running() []string {
	m.workersMutex.RLock()
	defer m.workersMutex.RUnlock()

	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

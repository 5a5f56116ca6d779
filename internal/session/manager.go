package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrDuplicate = errors.New("task already registered")

	// ErrInactive is the cancel cause for tasks stopped by the janitor.
	ErrInactive = errors.New("task exceeded inactivity timeout")
	// ErrClientGone is the cancel cause for tasks of a closed client connection.
	ErrClientGone = errors.New("client connection closed")
)

type entry struct {
	task   Task
	cancel context.CancelCauseFunc
}

// Manager tracks live tasks and owns their cancel functions.
type Manager struct {
	mu                sync.RWMutex
	tasks             map[string]*entry
	byConn            map[string]map[string]struct{}
	inactivityTimeout time.Duration
	onExpire          func(Task)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		tasks:             make(map[string]*entry),
		byConn:            make(map[string]map[string]struct{}),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register records a task and the cancel func that stops it.
func (m *Manager) Register(connID, taskID, mode string, cancel context.CancelCauseFunc) error {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; ok {
		return ErrDuplicate
	}
	m.tasks[taskID] = &entry{
		task: Task{
			ID:             taskID,
			ConnID:         connID,
			Mode:           mode,
			State:          "idle",
			StartedAt:      now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}
	set, ok := m.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		m.byConn[connID] = set
	}
	set[taskID] = struct{}{}
	return nil
}

func (m *Manager) Get(taskID string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return e.task, nil
}

func (m *Manager) Touch(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[taskID]; ok {
		e.task.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) SetState(taskID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[taskID]; ok {
		e.task.State = state
		e.task.LastActivityAt = time.Now().UTC()
	}
}

// Remove forgets a task once it reached a terminal state.
func (m *Manager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return
	}
	delete(m.tasks, taskID)
	if set := m.byConn[e.task.ConnID]; set != nil {
		delete(set, taskID)
		if len(set) == 0 {
			delete(m.byConn, e.task.ConnID)
		}
	}
}

// CancelConnection cancels every task of a client connection and returns how many were live.
func (m *Manager) CancelConnection(connID string) int {
	m.mu.RLock()
	var cancels []context.CancelCauseFunc
	for id := range m.byConn[connID] {
		if e, ok := m.tasks[id]; ok {
			cancels = append(cancels, e.cancel)
		}
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel(ErrClientGone)
	}
	return len(cancels)
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Manager) List() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.task)
	}
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.RLock()
	for _, e := range m.tasks {
		if now.Sub(e.task.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.RUnlock()

	// Entries stay registered until their task goroutine calls Remove.
	for _, e := range expired {
		e.cancel(ErrInactive)
		if hook != nil {
			hook(e.task)
		}
	}
}

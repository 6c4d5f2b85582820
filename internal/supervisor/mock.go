package supervisor

import (
	"fmt"
	"sync"
)

// Compile-time check that Mock implements Supervisor.
var _ Supervisor = (*Mock)(nil)

// Mock is an in-memory Supervisor for tests. Windows are created alive and
// can be marked dead with MarkDead to exercise watchdog paths.
type Mock struct {
	mu       sync.Mutex
	windows  map[string]*mockWindow
	killed   []string
	failNext error
}

type mockWindow struct {
	command string
	cwd     string
	alive   bool
	keys    []string
	output  string
}

// NewMock creates an empty mock supervisor.
func NewMock() *Mock {
	return &Mock{windows: make(map[string]*mockWindow)}
}

// FailNext makes the next operation return err once.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// HasWindow reports whether the named window exists.
func (m *Mock) HasWindow(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	_, ok := m.windows[name]
	return ok, nil
}

// CreateWindow records a new live window.
func (m *Mock) CreateWindow(name, command, cwd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.windows[name]; ok {
		return fmt.Errorf("window %s already exists", name)
	}
	m.windows[name] = &mockWindow{command: command, cwd: cwd, alive: true}
	return nil
}

// SendKeys records keys sent to the window.
func (m *Mock) SendKeys(name, keys string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	w, ok := m.windows[name]
	if !ok {
		return fmt.Errorf("window %s not found", name)
	}
	w.keys = append(w.keys, keys)
	return nil
}

// IsAlive reports the window's recorded liveness.
func (m *Mock) IsAlive(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	w, ok := m.windows[name]
	return ok && w.alive, nil
}

// CapturePane returns the window's recorded output.
func (m *Mock) CapturePane(name string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	w, ok := m.windows[name]
	if !ok {
		return "", fmt.Errorf("window %s not found", name)
	}
	return w.output, nil
}

// KillWindow removes the window. Missing windows are not an error.
func (m *Mock) KillWindow(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.windows[name]; ok {
		delete(m.windows, name)
		m.killed = append(m.killed, name)
	}
	return nil
}

// KillSession removes every window.
func (m *Mock) KillSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for name := range m.windows {
		m.killed = append(m.killed, name)
	}
	m.windows = make(map[string]*mockWindow)
	return nil
}

// MarkDead marks a window's pane dead without removing the window.
func (m *Mock) MarkDead(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[name]; ok {
		w.alive = false
	}
}

// SetOutput sets the pane output returned by CapturePane.
func (m *Mock) SetOutput(name, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[name]; ok {
		w.output = output
	}
}

// WindowCommand returns the command and cwd a window was created with.
func (m *Mock) WindowCommand(name string) (command, cwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[name]; ok {
		return w.command, w.cwd
	}
	return "", ""
}

// Killed returns the names of killed windows in order.
func (m *Mock) Killed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.killed...)
}

// SentKeys returns the keys sent to a window.
func (m *Mock) SentKeys(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[name]; ok {
		return append([]string(nil), w.keys...)
	}
	return nil
}

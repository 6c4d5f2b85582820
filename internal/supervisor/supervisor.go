// Package supervisor is the narrow adapter between the coordinator and the
// terminal multiplexer hosting worker sentinel shells. The coordinator only
// ever asks these seven questions; every failure is non-fatal and retried on
// the next tick by the caller.
package supervisor

// Supervisor manages named windows inside one session.
type Supervisor interface {
	// HasWindow reports whether a window with the given name exists.
	HasWindow(name string) (bool, error)
	// CreateWindow starts command in a new window rooted at cwd.
	CreateWindow(name, command, cwd string) error
	// SendKeys types keys into the window, followed by Enter.
	SendKeys(name, keys string) error
	// IsAlive reports whether the window's pane still has a live process.
	IsAlive(name string) (bool, error)
	// CapturePane returns the last n lines of the window's output.
	CapturePane(name string, lines int) (string, error)
	// KillWindow destroys the window. Killing a missing window is not an
	// error.
	KillWindow(name string) error
	// KillSession destroys the whole session and every window in it.
	KillSession() error
}

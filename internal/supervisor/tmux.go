package supervisor

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zjrosen/maestro/internal/log"
)

// Compile-time check that Tmux implements Supervisor.
var _ Supervisor = (*Tmux)(nil)

// Tmux implements Supervisor over the tmux CLI. Every invocation is an
// argument vector; no strings are composed into a shell.
type Tmux struct {
	session string
}

// NewTmux creates a Tmux supervisor bound to the named session. The session
// is created lazily by the first CreateWindow.
func NewTmux(session string) *Tmux {
	return &Tmux{session: session}
}

// Session returns the session name.
func (t *Tmux) Session() string {
	return t.session
}

func (t *Tmux) run(args ...string) (string, error) {
	//nolint:gosec // G204: fixed binary, argument-vector invocation
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

func (t *Tmux) target(name string) string {
	return t.session + ":" + name
}

func (t *Tmux) sessionExists() bool {
	_, err := t.run("has-session", "-t", t.session)
	return err == nil
}

// HasWindow reports whether the named window exists in the session.
func (t *Tmux) HasWindow(name string) (bool, error) {
	if !t.sessionExists() {
		return false, nil
	}
	out, err := t.run("list-windows", "-t", t.session, "-F", "#{window_name}")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateWindow starts command in a new window rooted at cwd, creating the
// session on first use.
func (t *Tmux) CreateWindow(name, command, cwd string) error {
	var err error
	if !t.sessionExists() {
		_, err = t.run("new-session", "-d", "-s", t.session, "-n", name, "-c", cwd, command)
	} else {
		_, err = t.run("new-window", "-t", t.session, "-n", name, "-c", cwd, command)
	}
	if err != nil {
		return err
	}
	log.Info(log.CatProc, "window created", "window", name, "cwd", cwd)
	return nil
}

// SendKeys types keys into the window followed by Enter.
func (t *Tmux) SendKeys(name, keys string) error {
	_, err := t.run("send-keys", "-t", t.target(name), keys, "Enter")
	return err
}

// IsAlive reports whether the window's pane still hosts a live process.
// A dead pane (remain-on-exit) or a missing window both count as dead.
func (t *Tmux) IsAlive(name string) (bool, error) {
	exists, err := t.HasWindow(name)
	if err != nil || !exists {
		return false, err
	}
	out, err := t.run("list-panes", "-t", t.target(name), "-F", "#{pane_dead}")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "0" {
			return true, nil
		}
	}
	return false, nil
}

// CapturePane returns the last n lines of the window's visible output.
func (t *Tmux) CapturePane(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run("capture-pane", "-t", t.target(name), "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// KillWindow destroys the window. Missing windows are not an error.
func (t *Tmux) KillWindow(name string) error {
	exists, err := t.HasWindow(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := t.run("kill-window", "-t", t.target(name)); err != nil {
		return err
	}
	log.Info(log.CatProc, "window killed", "window", name)
	return nil
}

// KillSession destroys the session and all windows.
func (t *Tmux) KillSession() error {
	if !t.sessionExists() {
		return nil
	}
	_, err := t.run("kill-session", "-t", t.session)
	return err
}

package store

import (
	"os"
	"path/filepath"
)

// State layout under the project directory:
//
//	<project>/.maestro/state/maestro.db    the database
//	<project>/.maestro/state/maestro.sock  the command socket (when hostable)
//	<project>/.maestro/state/socket.path   hint file with the actual socket path
const (
	stateDirName   = ".maestro/state"
	dbFileName     = "maestro.db"
	socketFileName = "maestro.sock"
	hintFileName   = "socket.path"
)

// StateDir returns the state directory for a project.
func StateDir(project string) string {
	return filepath.Join(project, stateDirName)
}

// DBPath returns the database file path for a project.
func DBPath(project string) string {
	return filepath.Join(StateDir(project), dbFileName)
}

// SocketPath returns the socket path for a project, honoring an existing
// hint file. Some filesystems (network mounts, long paths) cannot host a
// unix socket in the state dir; the daemon then binds in a temp dir and
// records the location in the hint file for CLIs to find.
func SocketPath(project string) string {
	hint := filepath.Join(StateDir(project), hintFileName)
	if data, err := os.ReadFile(hint); err == nil && len(data) > 0 { //nolint:gosec // G304: our own state file
		return string(data)
	}
	return filepath.Join(StateDir(project), socketFileName)
}

// WriteSocketHint records the actual socket location for CLI clients.
func WriteSocketHint(project, socketPath string) error {
	hint := filepath.Join(StateDir(project), hintFileName)
	return os.WriteFile(hint, []byte(socketPath), 0600)
}

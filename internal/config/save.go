package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteDefault writes a commented starter config at path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	def := Default()
	doc := map[string]any{
		"max_workers":        def.MaxWorkers,
		"sentinel_command":   def.SentinelCommand,
		"session_name":       def.SessionName,
		"main_branch":        def.MainBranch,
		"allocator_interval": def.AllocatorInterval.String(),
		"watchdog_interval":  def.WatchdogInterval.String(),
		"merge_interval":     def.MergeInterval.String(),
		"tracing": map[string]any{
			"enabled":     false,
			"exporter":    def.Tracing.Exporter,
			"sample_rate": def.Tracing.SampleRate,
		},
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes via a temp file and rename so a crash never leaves a
// truncated config behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

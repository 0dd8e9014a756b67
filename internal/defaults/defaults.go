// Package defaults provides embedded copies of the default server list
// and example configuration for the mcphost init subcommand.
package defaults

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ServersJSON is the default mcp_servers.json written on first run.
//
//go:embed mcp_servers.json
var ServersJSON []byte

// ConfigYAML is the fully commented example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// File names written by Install.
const (
	ServersFile = "mcp_servers.json"
	ConfigFile  = "config.yaml"
)

// ErrExists is returned by Install when the target file is already
// present and overwrite was not requested.
var ErrExists = errors.New("file already exists")

// Install writes content to dir/name, creating dir as needed. The file
// is private to the user since server env blocks often carry tokens. An
// existing file is left alone unless force is set.
func Install(dir, name string, content []byte, force bool) (string, error) {
	path := filepath.Join(dir, name)

	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%s: %w", path, ErrExists)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return path, err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return path, fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

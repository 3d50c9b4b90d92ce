// Package config loads the daemon's typed configuration from a TOML file.
// The core never touches the file system itself; it consumes the Config
// value this package produces.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Restore selects the scrollback restoration policy applied on reattach.
type Restore struct {
	// Mode is one of "none", "screen", "lines".
	Mode string `toml:"mode"`
	// Lines is the N used when Mode == "lines".
	Lines int `toml:"lines"`
}

// Binding names a chord sequence and the action it fires.
type Binding struct {
	Keys   []string `toml:"keys"`   // e.g. ["Ctrl-Space", "Ctrl-Q"]
	Action string   `toml:"action"` // "Detach" or "NoOp"
}

// Config is the full set of daemon-wide knobs. Per-session overrides (shell,
// TERM, cmd) travel in the Attach control message, not here.
type Config struct {
	// Shell is the default shell used when a session requests none and the
	// user has not overridden it; falls back to the user's login shell.
	Shell string `toml:"shell"`

	// NoEcho disables tty echo in the spawned shell's pty.
	NoEcho bool `toml:"noecho"`

	// InitialPath seeds PATH in the curated child environment.
	InitialPath string `toml:"initial_path"`

	// PromptPrefix is injected via RC snippet for no-command sessions.
	// Empty string disables prompt injection entirely.
	PromptPrefix string `toml:"prompt_prefix"`

	// DisableSSHAuthSockSymlink turns off the per-session ssh-auth-sock
	// symlink management described in the session lifecycle.
	DisableSSHAuthSockSymlink bool `toml:"disable_ssh_auth_sock_symlink"`

	// ReadEtcEnvironment controls whether /etc/environment is parsed into
	// the child environment.
	ReadEtcEnvironment bool `toml:"read_etc_environment"`

	// Restore is the default scrollback restoration policy.
	Restore Restore `toml:"restore"`

	// Keybindings overrides the default Ctrl-Space,Ctrl-Q -> Detach binding.
	Keybindings []Binding `toml:"keybindings"`

	// SocketPath overrides $XDG_RUNTIME_DIR/shpool/shpool.socket.
	SocketPath string `toml:"socket_path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		NoEcho:             false,
		PromptPrefix:       "shpool:$SHPOOL_SESSION_NAME ",
		ReadEtcEnvironment: true,
		Restore:            Restore{Mode: "screen"},
		Keybindings: []Binding{
			{Keys: []string{"Ctrl-Space", "Ctrl-Q"}, Action: "Detach"},
		},
	}
}

// Load reads and parses a TOML config file, overlaying it onto Default().
// A missing file is not an error; Load simply returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	// Overlay rules: Shell, InitialPath, SocketPath, Restore and Keybindings
	// replace the default only when non-empty in the file; PromptPrefix and
	// ReadEtcEnvironment replace it whenever their key is present (so an
	// explicit "" or false wins); NoEcho and DisableSSHAuthSockSymlink are
	// always taken from the file.
	var file Config
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if file.Shell != "" {
		cfg.Shell = file.Shell
	}
	cfg.NoEcho = file.NoEcho
	if file.InitialPath != "" {
		cfg.InitialPath = file.InitialPath
	}
	if file.PromptPrefix != "" || hasKey(data, "prompt_prefix") {
		cfg.PromptPrefix = file.PromptPrefix
	}
	cfg.DisableSSHAuthSockSymlink = file.DisableSSHAuthSockSymlink
	if hasKey(data, "read_etc_environment") {
		cfg.ReadEtcEnvironment = file.ReadEtcEnvironment
	}
	if file.Restore.Mode != "" {
		cfg.Restore = file.Restore
	}
	if len(file.Keybindings) > 0 {
		cfg.Keybindings = file.Keybindings
	}
	if file.SocketPath != "" {
		cfg.SocketPath = file.SocketPath
	}

	return cfg, nil
}

// hasKey is a cheap presence check for boolean/string fields whose zero
// value is ambiguous with "absent from the file".
func hasKey(data []byte, key string) bool {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}

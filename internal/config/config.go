// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config holds all configuration settings for the debuggee runtime.
type Config struct {
	IDE     IDEConfig     `toml:"ide"`
	Channel ChannelConfig `toml:"channel"`
	Stream  StreamConfig  `toml:"stream"`
	Debug   DebugConfig   `toml:"debug"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
}

// IDEConfig holds the controller connection settings.
type IDEConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Socket    string `toml:"socket"`    // Unix socket path, overrides host/port
	WebSocket string `toml:"websocket"` // ws:// URL, overrides socket and host/port
	ProcID    string `toml:"procId"`
}

// ChannelConfig holds framed channel settings.
type ChannelConfig struct {
	MaxTries        int      `toml:"maxTries"`
	ReceiveTimeout  Duration `toml:"receiveTimeout"`
	EpilogueTimeout Duration `toml:"epilogueTimeout"`
}

// StreamConfig holds program stream settings.
type StreamConfig struct {
	Redirect       bool `toml:"redirect"`
	MaxWriteErrors int  `toml:"maxWriteErrors"`
}

// DebugConfig holds debugging session settings.
type DebugConfig struct {
	StopOnEntry         bool   `toml:"stopOnEntry"`
	CallTrace           bool   `toml:"callTrace"`
	BreakpointFile      string `toml:"breakpointFile"`
	WatchBreakpointFile bool   `toml:"watchBreakpointFile"`
}

// StorageConfig holds breakpoint persistence settings.
type StorageConfig struct {
	Type string `toml:"type"` // "none", "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=registries, 4=values
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		IDE: IDEConfig{
			Host: "127.0.0.1",
		},
		Channel: ChannelConfig{
			MaxTries:        3,
			ReceiveTimeout:  Duration(24 * time.Hour),
			EpilogueTimeout: Duration(5 * time.Second),
		},
		Stream: StreamConfig{
			Redirect:       true,
			MaxWriteErrors: 10,
		},
		Storage: StorageConfig{
			Type: "none",
			Path: "luadbg.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// Returns the remaining positional arguments (script and its args).
func Load(args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("luadbg", flag.ContinueOnError)
	configPath := fs.String("config", "luadbg.toml", "TOML configuration file")

	// IDE flags
	host := fs.String("host", "", "IDE host")
	port := fs.Int("port", 0, "IDE port")
	socket := fs.String("socket", "", "IDE unix socket path")
	websocket := fs.String("websocket", "", "IDE websocket URL")
	procID := fs.String("procid", "", "Process id reported to the IDE")

	// Channel flags
	maxTries := fs.Int("max-tries", 0, "Send attempts before giving up")
	receiveTimeout := fs.Duration("receive-timeout", 0, "Wait limit for IDE commands")

	// Stream flags
	noRedirect := fs.Bool("no-redirect", false, "Do not redirect program output to the IDE")

	// Debug flags
	stopOnEntry := fs.Bool("stop-on-entry", false, "Stop on the first line")
	callTrace := fs.Bool("call-trace", false, "Report function calls and returns")
	bpFile := fs.String("breakpoints", "", "TOML breakpoint file")
	watchBPFile := fs.Bool("watch-breakpoints", false, "Reload the breakpoint file on change")

	// Storage flags
	storage := fs.String("storage", "", "Storage type: none, memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := cfg.loadTOML(*configPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *host != "" {
		cfg.IDE.Host = *host
	}
	if *port != 0 {
		cfg.IDE.Port = *port
	}
	if *socket != "" {
		cfg.IDE.Socket = *socket
	}
	if *websocket != "" {
		cfg.IDE.WebSocket = *websocket
	}
	if *procID != "" {
		cfg.IDE.ProcID = *procID
	}
	if *maxTries > 0 {
		cfg.Channel.MaxTries = *maxTries
	}
	if *receiveTimeout > 0 {
		cfg.Channel.ReceiveTimeout = Duration(*receiveTimeout)
	}
	if *noRedirect {
		cfg.Stream.Redirect = false
	}
	if *stopOnEntry {
		cfg.Debug.StopOnEntry = true
	}
	if *callTrace {
		cfg.Debug.CallTrace = true
	}
	if *bpFile != "" {
		cfg.Debug.BreakpointFile = *bpFile
	}
	if *watchBPFile {
		cfg.Debug.WatchBreakpointFile = true
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	if cfg.IDE.ProcID == "" {
		cfg.IDE.ProcID = uuid.New().String()
	}

	return cfg, fs.Args(), nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LUADBG_HOST"); v != "" {
		c.IDE.Host = v
	}
	if v := os.Getenv("LUADBG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.IDE.Port = port
		}
	}
	if v := os.Getenv("LUADBG_SOCKET"); v != "" {
		c.IDE.Socket = v
	}
	if v := os.Getenv("LUADBG_WEBSOCKET"); v != "" {
		c.IDE.WebSocket = v
	}
	if v := os.Getenv("LUADBG_PROCID"); v != "" {
		c.IDE.ProcID = v
	}
	if v := os.Getenv("LUADBG_MAX_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Channel.MaxTries = n
		}
	}
	if v := os.Getenv("LUADBG_RECEIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Channel.ReceiveTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LUADBG_REDIRECT"); v != "" {
		c.Stream.Redirect = v == "true" || v == "1"
	}
	if v := os.Getenv("LUADBG_CALL_TRACE"); v != "" {
		c.Debug.CallTrace = v == "true" || v == "1"
	}
	if v := os.Getenv("LUADBG_BREAKPOINTS"); v != "" {
		c.Debug.BreakpointFile = v
	}
	if v := os.Getenv("LUADBG_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("LUADBG_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LUADBG_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("LUADBG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUADBG_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Address returns the network and address used to reach the IDE.
func (c *Config) Address() (network, addr string) {
	if c.IDE.Socket != "" {
		return "unix", c.IDE.Socket
	}
	return "tcp", fmt.Sprintf("%s:%d", c.IDE.Host, c.IDE.Port)
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

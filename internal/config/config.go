// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the bot.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Blob      BlobConfig      `toml:"blob"`
	Services  ServicesConfig  `toml:"services"`
	Quiz      QuizConfig      `toml:"quiz"`
	Bot       BotConfig       `toml:"bot"`
	Lua       LuaConfig       `toml:"lua"`
	MCP       MCPConfig       `toml:"mcp"`
	Logging   LoggingConfig   `toml:"logging"`

	Dir string `toml:"-"` // working directory (CLI only)

	logger *zap.Logger
}

// TransportConfig holds the chat gateway settings.
type TransportConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Path   string `toml:"path"`
	Token  string `toml:"token"`   // shared secret the gateway client must present
	SelfID string `toml:"self_id"` // author id of the bot itself
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	Type          string   `toml:"type"` // "memory", "sqlite", "postgresql"
	Path          string   `toml:"path"` // SQLite file path
	URL           string   `toml:"url"`  // PostgreSQL connection URL
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    Duration `toml:"retry_delay"`
}

// BlobConfig holds blob storage settings.
type BlobConfig struct {
	Type      string `toml:"type"` // "none", "fs", "s3"
	Dir       string `toml:"dir"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	PublicURL string `toml:"public_url"`
}

// ServicesConfig holds inference service settings.
type ServicesConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

// QuizConfig holds quiz answer collection settings.
type QuizConfig struct {
	Timeout      Duration `toml:"timeout"`
	PollInterval Duration `toml:"poll_interval"`
}

// BotConfig holds event loop settings.
type BotConfig struct {
	CallbackTick    Duration `toml:"callback_tick"`
	FallbackMessage string   `toml:"fallback_message"`
}

// LuaConfig holds scripted command settings.
type LuaConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// MCPConfig holds admin surface settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=events, 2=routing, 3=cache traffic
	JSON      bool   `toml:"json"`
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

// expandVerbosityFlags rewrites -vvv as -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && onlyV(arg[1:]) {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

func onlyV(s string) bool {
	for _, c := range s {
		if c != 'v' {
			return false
		}
	}
	return true
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

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Path: "/gateway",
		},
		Store: StoreConfig{
			Type:          "memory",
			Path:          "chatops.db",
			RetryAttempts: 5,
			RetryDelay:    Duration(50 * time.Millisecond),
		},
		Blob: BlobConfig{
			Type: "none",
			Dir:  "blobs/",
		},
		Services: ServicesConfig{
			Model: "gemini-2.5-flash",
		},
		Quiz: QuizConfig{
			Timeout:      Duration(60 * time.Second),
			PollInterval: Duration(time.Second),
		},
		Bot: BotConfig{
			CallbackTick:    Duration(100 * time.Millisecond),
			FallbackMessage: "Something went wrong while processing that command.",
		},
		Lua: LuaConfig{
			Enabled: true,
			Path:    "commands/",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg, _, err := LoadArgs(args)
	return cfg, err
}

// LoadArgs is Load that also returns the arguments left after the flags.
func LoadArgs(args []string) (*Config, []string, error) {
	cfg := DefaultConfig()
	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("chatops", flag.ContinueOnError)
	dir := fs.String("dir", "", "Working directory holding config/ and commands/")

	host := fs.String("host", "", "Gateway listen address")
	port := fs.Int("port", 0, "Gateway listen port")
	token := fs.String("token", "", "Gateway shared secret")

	store := fs.String("store", "", "Store type: memory, sqlite, postgresql")
	storePath := fs.String("store-path", "", "SQLite database path")
	storeURL := fs.String("store-url", "", "PostgreSQL connection URL")

	blobType := fs.String("blob", "", "Blob storage: none, fs, s3")
	blobBucket := fs.String("blob-bucket", "", "S3 bucket name")

	lua := fs.Bool("lua", true, "Enable scripted commands")
	luaPath := fs.String("lua-path", "", "Scripted commands directory")
	mcp := fs.Bool("mcp", false, "Serve the MCP admin surface on stdio")

	quizTimeout := fs.Duration("quiz-timeout", 0, "Time to wait for quiz answers")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logJSON := fs.Bool("log-json", false, "Emit JSON logs")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	configPath := "config/config.toml"
	if *dir != "" {
		configPath = *dir + "/config/config.toml"
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	cfg.applyEnv()

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *host != "" {
		cfg.Transport.Host = *host
	}
	if *port != 0 {
		cfg.Transport.Port = *port
	}
	if *token != "" {
		cfg.Transport.Token = *token
	}
	if *store != "" {
		cfg.Store.Type = *store
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *storeURL != "" {
		cfg.Store.URL = *storeURL
	}
	if *blobType != "" {
		cfg.Blob.Type = *blobType
	}
	if *blobBucket != "" {
		cfg.Blob.Bucket = *blobBucket
	}
	if set["lua"] {
		cfg.Lua.Enabled = *lua
	}
	if *luaPath != "" {
		cfg.Lua.Path = *luaPath
	}
	if set["mcp"] {
		cfg.MCP.Enabled = *mcp
	}
	if *quizTimeout != 0 {
		cfg.Quiz.Timeout = Duration(*quizTimeout)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if set["log-json"] {
		cfg.Logging.JSON = *logJSON
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}
	cfg.Dir = *dir

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) validate() error {
	if c.Store.RetryAttempts < 1 {
		return errors.NotValidf("store retry_attempts %d", c.Store.RetryAttempts)
	}
	if c.Store.RetryDelay <= 0 {
		return errors.NotValidf("store retry_delay %v", c.Store.RetryDelay.Duration())
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies CHATOPS_* environment variable overrides.
func (c *Config) applyEnv() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("CHATOPS_HOST", &c.Transport.Host)
	num("CHATOPS_PORT", &c.Transport.Port)
	str("CHATOPS_TOKEN", &c.Transport.Token)
	str("CHATOPS_SELF_ID", &c.Transport.SelfID)
	str("CHATOPS_STORE", &c.Store.Type)
	str("CHATOPS_STORE_PATH", &c.Store.Path)
	str("CHATOPS_STORE_URL", &c.Store.URL)
	str("CHATOPS_BLOB", &c.Blob.Type)
	str("CHATOPS_BLOB_BUCKET", &c.Blob.Bucket)
	str("CHATOPS_BLOB_REGION", &c.Blob.Region)
	boolean("CHATOPS_SERVICES", &c.Services.Enabled)
	str("CHATOPS_API_KEY", &c.Services.APIKey)
	dur("CHATOPS_QUIZ_TIMEOUT", &c.Quiz.Timeout)
	boolean("CHATOPS_LUA", &c.Lua.Enabled)
	str("CHATOPS_LUA_PATH", &c.Lua.Path)
	str("CHATOPS_LOG_LEVEL", &c.Logging.Level)
	num("CHATOPS_VERBOSITY", &c.Logging.Verbosity)
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// ResolvePath resolves a relative path against the working directory.
func (c *Config) ResolvePath(path string) string {
	if c.Dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

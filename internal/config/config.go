// Package config loads mediadb's layered JSONC configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// Duration is a [time.Duration] spelled as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Config holds all configuration options.
type Config struct {
	Namespace    string   `json:"namespace"`
	DataDir      string   `json:"data_dir"`
	RuntimeDir   string   `json:"runtime_dir"`
	LogLevel     string   `json:"log_level"`
	LogFormat    string   `json:"log_format"`
	LockTimeout  Duration `json:"lock_timeout"`
	FlushTimeout Duration `json:"flush_timeout"`
	CallTimeout  Duration `json:"call_timeout"`
	ImportRate   float64  `json:"import_rate"`
	SnapshotMode string   `json:"snapshot_mode"`
	Catalogues   []string `json:"catalogues"`

	// Sources tracks which config files were loaded (for diagnostics).
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Explicit string // Path to the --config file if given
}

// fileConfig is the on-disk shape; nil means "not set".
type fileConfig struct {
	Namespace    *string   `json:"namespace"`
	DataDir      *string   `json:"data_dir"`
	RuntimeDir   *string   `json:"runtime_dir"`
	LogLevel     *string   `json:"log_level"`
	LogFormat    *string   `json:"log_format"`
	LockTimeout  *Duration `json:"lock_timeout"`
	FlushTimeout *Duration `json:"flush_timeout"`
	CallTimeout  *Duration `json:"call_timeout"`
	ImportRate   *float64  `json:"import_rate"`
	SnapshotMode *string   `json:"snapshot_mode"`
	Catalogues   []string  `json:"catalogues"`
}

// DefaultCatalogues are hosted by "serve" when none are configured.
var DefaultCatalogues = []string{"Music", "Videos", "TVShows", "MusicVideos", "Pictures"}

// Default returns the default configuration for env.
func Default(env map[string]string) Config {
	return Config{
		Namespace:    mediadb.DefaultNamespace,
		DataDir:      userConfigDir(env),
		RuntimeDir:   runtimeDir(env),
		LogLevel:     "warn",
		LogFormat:    "console",
		LockTimeout:  Duration(mediadb.DefaultLockTimeout),
		FlushTimeout: Duration(mediadb.DefaultFlushTimeout),
		CallTimeout:  Duration(mediadb.DefaultCallTimeout),
		SnapshotMode: mediadb.WriteAtomic.String(),
		Catalogues:   append([]string(nil), DefaultCatalogues...),
	}
}

func userConfigDir(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return xdg
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config")
	}

	return ""
}

func runtimeDir(env map[string]string) string {
	if xdg := env["XDG_RUNTIME_DIR"]; xdg != "" {
		return filepath.Join(xdg, "mediadb")
	}

	return filepath.Join(os.TempDir(), "mediadb-"+strconv.Itoa(os.Getuid()))
}

// globalPath returns $XDG_CONFIG_HOME/mediadb/config.json, falling back to
// ~/.config/mediadb/config.json. Empty if neither can be determined.
func globalPath(env map[string]string) string {
	dir := userConfigDir(env)
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "mediadb", "config.json")
}

// Overrides are values from CLI flags. Empty strings mean "not set".
type Overrides struct {
	Namespace  string
	DataDir    string
	RuntimeDir string
	LogLevel   string
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	ConfigPath string            // -c/--config flag value
	WorkDir    string            // base for a relative ConfigPath; os.Getwd if empty
	Overrides  Overrides         // CLI flags
	Env        map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/mediadb/config.json)
// 3. Explicit config file via ConfigPath (must exist)
// 4. CLI overrides.
func Load(input LoadInput) (Config, error) {
	cfg := Default(input.Env)

	if path := globalPath(input.Env); path != "" {
		fc, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fc)
			cfg.Sources.Global = path
		}
	}

	if input.ConfigPath != "" {
		path := input.ConfigPath
		if !filepath.IsAbs(path) {
			workDir := input.WorkDir
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return Config{}, fmt.Errorf("cannot get working directory: %w", err)
				}

				workDir = wd
			}

			path = filepath.Join(workDir, path)
		}

		fc, _, err := loadFile(path, true)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, fc)
		cfg.Sources.Explicit = path
	}

	cfg = applyOverrides(cfg, input.Overrides)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, fc fileConfig) Config {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&base.Namespace, fc.Namespace)
	setString(&base.DataDir, fc.DataDir)
	setString(&base.RuntimeDir, fc.RuntimeDir)
	setString(&base.LogLevel, fc.LogLevel)
	setString(&base.LogFormat, fc.LogFormat)
	setString(&base.SnapshotMode, fc.SnapshotMode)

	if fc.LockTimeout != nil {
		base.LockTimeout = *fc.LockTimeout
	}

	if fc.FlushTimeout != nil {
		base.FlushTimeout = *fc.FlushTimeout
	}

	if fc.CallTimeout != nil {
		base.CallTimeout = *fc.CallTimeout
	}

	if fc.ImportRate != nil {
		base.ImportRate = *fc.ImportRate
	}

	if fc.Catalogues != nil {
		base.Catalogues = fc.Catalogues
	}

	return base
}

func applyOverrides(cfg Config, o Overrides) Config {
	if o.Namespace != "" {
		cfg.Namespace = o.Namespace
	}

	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}

	if o.RuntimeDir != "" {
		cfg.RuntimeDir = o.RuntimeDir
	}

	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	return cfg
}

// Validate checks every field of cfg.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Namespace == "" {
		errs = append(errs, errors.New("namespace cannot be empty"))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}

	if cfg.RuntimeDir == "" {
		errs = append(errs, errors.New("runtime_dir cannot be empty"))
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (want console or json)", cfg.LogFormat))
	}

	for name, d := range map[string]Duration{
		"lock_timeout":  cfg.LockTimeout,
		"flush_timeout": cfg.FlushTimeout,
		"call_timeout":  cfg.CallTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, time.Duration(d)))
		}
	}

	if cfg.ImportRate < 0 {
		errs = append(errs, fmt.Errorf("import_rate must be >= 0, got %v", cfg.ImportRate))
	}

	if _, err := mediadb.ParseSnapshotMode(cfg.SnapshotMode); err != nil {
		errs = append(errs, fmt.Errorf("snapshot_mode: %w", err))
	}

	for _, typ := range cfg.Catalogues {
		if err := mediadb.ValidateType(typ); err != nil {
			errs = append(errs, fmt.Errorf("catalogues: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

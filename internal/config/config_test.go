package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mediadb/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Load_Returns_Defaults_When_No_Files(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	env := map[string]string{"XDG_CONFIG_HOME": xdg, "XDG_RUNTIME_DIR": "/run/user/1000"}

	cfg, err := config.Load(config.LoadInput{Env: env})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default(env)
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if cfg.DataDir != xdg || cfg.RuntimeDir != "/run/user/1000/mediadb" {
		t.Fatalf("data_dir=%q runtime_dir=%q", cfg.DataDir, cfg.RuntimeDir)
	}

	if diff := cmp.Diff(config.DefaultCatalogues, cfg.Catalogues); diff != "" {
		t.Fatalf("catalogues mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Layers_Global_Explicit_And_Flags_When_All_Present(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	work := t.TempDir()
	env := map[string]string{"XDG_CONFIG_HOME": xdg}

	writeFile(t, filepath.Join(xdg, "mediadb", "config.json"), `{
		// comments and trailing commas are fine
		"namespace": "global",
		"lock_timeout": "3s",
		"catalogues": ["Music"],
	}`)
	writeFile(t, filepath.Join(work, "custom.json"), `{"namespace": "explicit", "import_rate": 2.5, "log_format": "json"}`)

	cfg, err := config.Load(config.LoadInput{
		ConfigPath: "custom.json",
		WorkDir:    work,
		Env:        env,
		Overrides:  config.Overrides{LogLevel: "debug"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Namespace != "explicit" {
		t.Fatalf("namespace=%q, want=explicit", cfg.Namespace)
	}

	if time.Duration(cfg.LockTimeout) != 3*time.Second {
		t.Fatalf("lock_timeout=%v, want=3s", time.Duration(cfg.LockTimeout))
	}

	if cfg.ImportRate != 2.5 || cfg.LogFormat != "json" || cfg.LogLevel != "debug" {
		t.Fatalf("import_rate=%v log_format=%q log_level=%q", cfg.ImportRate, cfg.LogFormat, cfg.LogLevel)
	}

	if diff := cmp.Diff([]string{"Music"}, cfg.Catalogues); diff != "" {
		t.Fatalf("catalogues mismatch (-want +got):\n%s", diff)
	}

	wantSources := config.Sources{
		Global:   filepath.Join(xdg, "mediadb", "config.json"),
		Explicit: filepath.Join(work, "custom.json"),
	}
	if cfg.Sources != wantSources {
		t.Fatalf("sources=%+v, want=%+v", cfg.Sources, wantSources)
	}

	cfg, err = config.Load(config.LoadInput{Env: env, Overrides: config.Overrides{Namespace: "flag"}})
	if err != nil || cfg.Namespace != "flag" {
		t.Fatalf("namespace=%q err=%v, want=flag", cfg.Namespace, err)
	}
}

func Test_Load_Fails_When_Explicit_File_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{
		ConfigPath: filepath.Join(t.TempDir(), "nope.json"),
		Env:        map[string]string{"XDG_CONFIG_HOME": t.TempDir()},
	})
	if !errors.Is(err, config.ErrConfigFileNotFound) {
		t.Fatalf("err=%v, want=ErrConfigFileNotFound", err)
	}
}

func Test_Load_Fails_When_Values_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad json", `{"namespace": }`, "invalid JSON"},
		{"bad duration", `{"flush_timeout": "soon"}`, "invalid duration"},
		{"zero timeout", `{"call_timeout": "0s"}`, "call_timeout must be positive"},
		{"bad level", `{"log_level": "loud"}`, "log_level"},
		{"bad mode", `{"snapshot_mode": "fsync"}`, "snapshot_mode"},
		{"bad catalogue", `{"catalogues": ["Music/../x"]}`, "invalid catalogue type"},
		{"negative rate", `{"import_rate": -1}`, "import_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "c.json")
			writeFile(t, path, tt.content)

			_, err := config.Load(config.LoadInput{
				ConfigPath: path,
				Env:        map[string]string{"XDG_CONFIG_HOME": t.TempDir()},
			})
			if !errors.Is(err, config.ErrConfigInvalid) {
				t.Fatalf("err=%v, want=ErrConfigInvalid", err)
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%q, want it to contain %q", err, tt.want)
			}
		})
	}
}

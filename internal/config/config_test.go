package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "nq.toml", `
workspace_prefix = "vendor"

[patches.llama]
repo = "llama.cpp"
aliases = ["llama.cpp", "ggml"]

[patches.mlx]
remote = "upstream"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Dir != dir {
		t.Errorf("expected Dir %s, got %s", dir, cfg.Dir)
	}
	if cfg.WorkspacePrefix != "vendor" {
		t.Errorf("expected workspace prefix vendor, got %s", cfg.WorkspacePrefix)
	}

	want := map[string]Package{
		"llama": {Repo: "llama.cpp", Aliases: []string{"llama.cpp", "ggml"}, Remote: "origin"},
		"mlx":   {Repo: "mlx", Remote: "upstream"},
	}
	if diff := cmp.Diff(want, cfg.Patches); diff != "" {
		t.Errorf("patches mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "nq.yaml", `
workspace_prefix: pkgs
auth:
  https_token_file: /run/secrets/token
patches:
  llama:
    repo: llama.cpp
    aliases: [ggml]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AuthMethod() != "https" {
		t.Errorf("expected https auth, got %s", cfg.AuthMethod())
	}
	if cfg.Patches["llama"].Repo != "llama.cpp" {
		t.Errorf("expected repo llama.cpp, got %s", cfg.Patches["llama"].Repo)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("NQ_TEST_PREFIX", "third_party")
	dir := t.TempDir()
	path := writeConfig(t, dir, "nq.toml", `
workspace_prefix = "${NQ_TEST_PREFIX}"
[patches.lib]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkspacePrefix != "third_party" {
		t.Errorf("expected expanded prefix, got %s", cfg.WorkspacePrefix)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := writeConfig(t, dir, "bad.toml", "[patches.lib\n")
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	ini := writeConfig(t, dir, "nq.ini", "x=1\n")
	if _, err := Load(ini); err == nil {
		t.Error("expected error for unsupported extension")
	}

	empty := writeConfig(t, dir, "empty.toml", "workspace_prefix = \"x\"\n")
	if _, err := Load(empty); err == nil {
		t.Error("expected validation error for config without packages")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     Config{Patches: map[string]Package{"lib": {Repo: "lib", Aliases: []string{"l"}}}},
			wantErr: false,
		},
		{
			name:    "no packages",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name:    "absolute workspace prefix",
			cfg:     Config{WorkspacePrefix: "/abs", Patches: map[string]Package{"lib": {}}},
			wantErr: true,
		},
		{
			name:    "workspace prefix escapes",
			cfg:     Config{WorkspacePrefix: "../outside", Patches: map[string]Package{"lib": {}}},
			wantErr: true,
		},
		{
			name:    "package name with separator",
			cfg:     Config{Patches: map[string]Package{"a/b": {}}},
			wantErr: true,
		},
		{
			name:    "repo escapes workspace",
			cfg:     Config{Patches: map[string]Package{"lib": {Repo: "../lib"}}},
			wantErr: true,
		},
		{
			name: "alias shadows package",
			cfg: Config{Patches: map[string]Package{
				"a": {Aliases: []string{"b"}},
				"b": {},
			}},
			wantErr: true,
		},
		{
			name: "alias shared by two packages",
			cfg: Config{Patches: map[string]Package{
				"a": {Aliases: []string{"x"}},
				"b": {Aliases: []string{"x"}},
			}},
			wantErr: true,
		},
		{
			name:    "empty alias",
			cfg:     Config{Patches: map[string]Package{"a": {Aliases: []string{""}}}},
			wantErr: true,
		},
		{
			name: "both ssh key and https token set",
			cfg: Config{
				Auth:    AuthConfig{SSHKeyFile: "/key", HTTPSTokenFile: "/token"},
				Patches: map[string]Package{"lib": {}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	cfg := &Config{
		Dir:             "/work",
		WorkspacePrefix: "vendor",
		Patches: map[string]Package{
			"llama": {Repo: "llama.cpp", Aliases: []string{"ggml"}, Remote: "origin"},
			"mlx":   {Repo: "mlx", Remote: "origin"},
		},
	}

	got, err := cfg.Target("ggml")
	if err != nil {
		t.Fatalf("Target(alias) failed: %v", err)
	}
	want := Target{
		Name:      "llama",
		Aliases:   []string{"ggml"},
		Workspace: filepath.Join("/work", "vendor", "llama"),
		RepoPath:  filepath.Join("/work", "vendor", "llama", "llama.cpp"),
		Remote:    "origin",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Target mismatch (-want +got):\n%s", diff)
	}

	if _, err := cfg.Target("unknown"); err == nil {
		t.Error("expected error for unknown package")
	}

	targets := cfg.Targets()
	if len(targets) != 2 || targets[0].Name != "llama" || targets[1].Name != "mlx" {
		t.Errorf("Targets() not sorted by name: %+v", targets)
	}
}

func TestTargetForDir(t *testing.T) {
	cfg := &Config{
		Dir:     "/work",
		Patches: map[string]Package{"lib": {Repo: "lib"}, "other": {Repo: "other"}},
	}

	for _, tc := range []struct {
		dir    string
		want   string
		wantOK bool
	}{
		{dir: "/work/lib", want: "lib", wantOK: true},
		{dir: "/work/lib/lib/src", want: "lib", wantOK: true},
		{dir: "/work/other/other", want: "other", wantOK: true},
		{dir: "/work", wantOK: false},
		{dir: "/elsewhere", wantOK: false},
	} {
		target, ok := cfg.TargetForDir(tc.dir)
		if ok != tc.wantOK || target.Name != tc.want {
			t.Errorf("TargetForDir(%s) = %q, %v; want %q, %v", tc.dir, target.Name, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root, "nq.toml", "[patches.lib]\n")
	nested := filepath.Join(root, "lib", "lib", "src")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Discover(nested)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if got != path {
		t.Errorf("expected %s, got %s", path, got)
	}

	// nq.toml wins over nq.yaml in the same directory.
	writeConfig(t, root, "nq.yaml", "patches: {lib: {}}\n")
	got, err = Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "nq.toml" {
		t.Errorf("expected nq.toml to take precedence, got %s", got)
	}
}

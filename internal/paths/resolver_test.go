package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	r := New("/etc/scholar/config.yaml")

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative file", "servers_config.json", filepath.Join("/etc/scholar", "servers_config.json")},
		{"relative nested", "data/usage.db", filepath.Join("/etc/scholar", "data", "usage.db")},
		{"dot relative", "./papers", filepath.Join("/etc/scholar", "papers")},
		{"absolute path unchanged", "/var/lib/scholar", "/var/lib/scholar"},
		{"empty string unchanged", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("servers_config.json"); got != "servers_config.json" {
		t.Errorf("nil Resolve = %q, want unchanged", got)
	}
	if r.Base() != "" {
		t.Errorf("nil Base = %q, want empty", r.Base())
	}
	if New("") != nil {
		t.Error("New(\"\") should return nil")
	}
}

func TestResolve_RelativeConfigPath(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	r := New("config.yaml")
	if r.Base() != wd {
		t.Errorf("Base() = %q, want %q", r.Base(), wd)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		path string
		want string
	}{
		{"~", home},
		{"~/papers", filepath.Join(home, "papers")},
		{"~other/papers", "~other/papers"},
		{"/abs", "/abs"},
		{"rel", "rel"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.path); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	r := New("/etc/scholar/config.yaml")
	if got := r.Resolve("~/data"); got != filepath.Join(home, "data") {
		t.Errorf("Resolve(~/data) = %q", got)
	}
}

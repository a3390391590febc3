package session

import (
	"strings"
	"testing"
)

func TestPathsAreScopedToSession(t *testing.T) {
	name := "work"
	paths := []string{
		Dir(name),
		LockPath(name),
		StateDBPath(name),
		LogDir(name),
		LogPath(name),
	}
	for _, p := range paths {
		if !strings.Contains(p, "/sessions/work") {
			t.Errorf("path %q not scoped to session", p)
		}
		if !strings.Contains(p, ".papo") {
			t.Errorf("path %q not under .papo", p)
		}
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	p := ConfigPath()
	if strings.Contains(p, "/sessions/") {
		t.Errorf("config path %q should not be session-scoped", p)
	}
	if !strings.HasSuffix(p, "config.toml") {
		t.Errorf("config path %q should end in config.toml", p)
	}
}

package browser

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c.MaxLifetime != 4*time.Hour {
		t.Errorf("MaxLifetime: got %v", c.MaxLifetime)
	}
	if c.NavigateTimeout != 30*time.Second {
		t.Errorf("NavigateTimeout: got %v", c.NavigateTimeout)
	}
	if c.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestOpenChatTabBeforeStart(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.OpenChatTab(t.Context(), "https://example.com"); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := m.Recycle(); err == nil {
		t.Error("recycle after close should fail")
	}
}

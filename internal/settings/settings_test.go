package settings

import "testing"

func TestLoad_Defaults(t *testing.T) {
	s := Load()
	if s.ProxyHost != "127.0.0.1" {
		t.Errorf("ProxyHost = %q, want 127.0.0.1", s.ProxyHost)
	}
	if s.ProxyPort != "8282" {
		t.Errorf("ProxyPort = %q, want 8282", s.ProxyPort)
	}
	if s.Addr() != "127.0.0.1:8282" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8282", s.Addr())
	}
}

func TestLoad_ReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("MCP_PROXY_HOST", "0.0.0.0")
	t.Setenv("MCP_PROXY_PORT", "9999")
	t.Setenv("MCP_DEBUG", "true")
	t.Setenv("MCP_TARGET_URL", "https://example.com/mcp")
	t.Setenv("MISTRAL_API_KEY", "test-key")

	s := Load()
	if s.ProxyHost != "0.0.0.0" {
		t.Errorf("ProxyHost = %q, want 0.0.0.0", s.ProxyHost)
	}
	if s.ProxyPort != "9999" {
		t.Errorf("ProxyPort = %q, want 9999", s.ProxyPort)
	}
	if !s.Debug {
		t.Error("Debug = false, want true")
	}
	if s.TargetURL != "https://example.com/mcp" {
		t.Errorf("TargetURL = %q, want https://example.com/mcp", s.TargetURL)
	}
	if s.MistralAPIKey != "test-key" {
		t.Errorf("MistralAPIKey = %q, want test-key", s.MistralAPIKey)
	}
}

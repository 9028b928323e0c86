// Package settings is the typed environment accessor shared by both
// binaries, built on viper: SetEnvPrefix plus AutomaticEnv, with
// SetDefault calls standing in for a config file this proxy has no need
// for (every setting is environment-driven).
package settings

import (
	"strings"

	"github.com/spf13/viper"
)

// Settings is the resolved, typed view over the proxy's environment
// variables.
type Settings struct {
	ProxyHost string
	ProxyPort string

	Debug bool

	ObserverAppName  string
	ObserverServerName string

	TargetURL     string
	TargetHeaders string // raw JSON object string; parsed by the HTTP/SSE transports

	APIAccessToken string
	MistralAPIKey  string

	// SemanticDetail switches the semantic-gap judge from its default
	// single-integer response to the full JSON rubric (per-factor
	// sub-scores and penalties recorded on each Finding).
	SemanticDetail bool

	// PIIRedact is read from PII_REDACT. Nothing consumes it: the server
	// binary does not pass it to the PII detector, which never redacts.
	PIIRedact bool

	JournalPath string

	// RulesPath, when set, points at a YAML file of operator-supplied
	// detector rules (internal/rules): extra command-injection dangerous
	// words and extra PII regex patterns, loaded once at startup.
	RulesPath string
}

// Load builds Settings from the process environment (and any .env file
// already merged into it by pkg/config.LoadEnv).
func Load() *Settings {
	v := viper.New()
	v.SetEnvPrefix("MCP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("proxy_host", "127.0.0.1")
	v.SetDefault("proxy_port", "8282")
	v.SetDefault("debug", false)
	v.SetDefault("observer_app_name", "claude-desktop")
	v.SetDefault("observer_server_name", "default")
	v.SetDefault("journal_path", "mcpsentinel.db")
	v.SetDefault("rules_path", "")
	v.SetDefault("semantic_detail", false)

	s := &Settings{
		ProxyHost:          v.GetString("proxy_host"),
		ProxyPort:          v.GetString("proxy_port"),
		Debug:              v.GetBool("debug"),
		ObserverAppName:    v.GetString("observer_app_name"),
		ObserverServerName: v.GetString("observer_server_name"),
		TargetURL:          v.GetString("target_url"),
		TargetHeaders:      v.GetString("target_headers"),
		JournalPath:        v.GetString("journal_path"),
		RulesPath:          v.GetString("rules_path"),
		SemanticDetail:     v.GetBool("semantic_detail"),
	}

	// API_ACCESS_TOKEN and MISTRAL_API_KEY don't carry the MCP_ prefix,
	// so they're read through a separate un-prefixed viper
	// instance rather than forced into the MCP_ namespace.
	raw := viper.New()
	raw.AutomaticEnv()
	s.APIAccessToken = raw.GetString("API_ACCESS_TOKEN")
	s.MistralAPIKey = raw.GetString("MISTRAL_API_KEY")
	s.PIIRedact = raw.GetBool("PII_REDACT")

	return s
}

// Addr returns the host:port the server binary should bind to.
func (s *Settings) Addr() string {
	return s.ProxyHost + ":" + s.ProxyPort
}

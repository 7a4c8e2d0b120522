package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full proxy configuration. Key names are camelCase in the
// config file; every key can be overridden through M365PROXY_* env vars.
type Config struct {
	ListenURL string `mapstructure:"listenUrl"`
	LogLevel  string `mapstructure:"logLevel"`
	LogFormat string `mapstructure:"logFormat"`

	// Transport selects the default upstream wire: "graph" or "substrate".
	Transport string `mapstructure:"transport"`

	GraphBaseURL               string `mapstructure:"graphBaseUrl"`
	CreateConversationPath     string `mapstructure:"createConversationPath"`
	ChatPathTemplate           string `mapstructure:"chatPathTemplate"`
	ChatOverStreamPathTemplate string `mapstructure:"chatOverStreamPathTemplate"`

	Substrate SubstrateConfig `mapstructure:"substrate"`
	Auth      AuthConfig      `mapstructure:"auth"`

	DefaultModel                      string `mapstructure:"defaultModel"`
	DefaultTimeZone                   string `mapstructure:"defaultTimeZone"`
	ConversationTTLMinutes            int    `mapstructure:"conversationTtlMinutes"`
	MaxAdditionalContextMessages      int    `mapstructure:"maxAdditionalContextMessages"`
	IncludeConversationIDInResponse   bool   `mapstructure:"includeConversationIdInResponseBody"`
	IgnoreIncomingAuthorizationHeader bool   `mapstructure:"ignoreIncomingAuthorizationHeader"`

	// DebugLogDir enables the markdown turn logger when non-empty.
	DebugLogDir string `mapstructure:"debugLogDir"`
}

// SubstrateConfig shapes the WebSocket hub invocation.
type SubstrateConfig struct {
	HubPath                  string   `mapstructure:"hubPath"`
	Source                   string   `mapstructure:"source"`
	QuoteSourceInQuery       bool     `mapstructure:"quoteSourceInQuery"`
	Scenario                 string   `mapstructure:"scenario"`
	Origin                   string   `mapstructure:"origin"`
	Product                  string   `mapstructure:"product"`
	AgentHost                string   `mapstructure:"agentHost"`
	LicenseType              string   `mapstructure:"licenseType"`
	Agent                    string   `mapstructure:"agent"`
	Variants                 string   `mapstructure:"variants"`
	ClientPlatform           string   `mapstructure:"clientPlatform"`
	ProductThreadType        string   `mapstructure:"productThreadType"`
	InvocationTimeoutSeconds int      `mapstructure:"invocationTimeoutSeconds"`
	KeepAliveSeconds         int      `mapstructure:"keepAliveSeconds"`
	OptionsSets              []string `mapstructure:"optionsSets"`
	AllowedMessageTypes      []string `mapstructure:"allowedMessageTypes"`
	InvocationTarget         string   `mapstructure:"invocationTarget"`
	InvocationType           int      `mapstructure:"invocationType"`
	Locale                   string   `mapstructure:"locale"`
	ExperienceType           string   `mapstructure:"experienceType"`
	EntityAnnotationTypes    []string `mapstructure:"entityAnnotationTypes"`
}

// AuthConfig points the token provider at the external token harvester.
type AuthConfig struct {
	TokenFilePath         string `mapstructure:"tokenFilePath"`
	AcquireCommand        string `mapstructure:"acquireCommand"`
	AcquireTimeoutSeconds int    `mapstructure:"acquireTimeoutSeconds"`
}

// Load reads config.yaml (working dir, then ~/.m365proxy/) and applies
// M365PROXY_* env overrides on top of defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".m365proxy"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("M365PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Transport != "graph" && cfg.Transport != "substrate" {
		return nil, fmt.Errorf("unsupported default transport %q", cfg.Transport)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenUrl", ":8790")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("transport", "graph")

	v.SetDefault("graphBaseUrl", "https://graph.microsoft.com/beta")
	v.SetDefault("createConversationPath", "/copilot/conversations")
	v.SetDefault("chatPathTemplate", "/copilot/conversations/{conversationId}/chat")
	v.SetDefault("chatOverStreamPathTemplate", "/copilot/conversations/{conversationId}/chatOverStream")

	v.SetDefault("substrate.invocationTimeoutSeconds", 120)
	v.SetDefault("substrate.keepAliveSeconds", 15)
	v.SetDefault("substrate.clientPlatform", "web")
	v.SetDefault("substrate.productThreadType", "Copilot")
	v.SetDefault("substrate.invocationTarget", "chat")
	v.SetDefault("substrate.invocationType", 4)
	v.SetDefault("substrate.locale", "en-US")

	v.SetDefault("defaultModel", "m365-copilot")
	v.SetDefault("defaultTimeZone", "UTC")
	v.SetDefault("conversationTtlMinutes", 120)
	v.SetDefault("maxAdditionalContextMessages", 16)
	v.SetDefault("includeConversationIdInResponseBody", false)
	v.SetDefault("ignoreIncomingAuthorizationHeader", false)

	v.SetDefault("auth.acquireTimeoutSeconds", 180)
}

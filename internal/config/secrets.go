package config

import "os"

// SecretsSource resolves credentials for a provider tag. The second
// return is false when nothing at all is known about the provider.
type SecretsSource interface {
	Get(provider string) (ProviderSecrets, bool)
}

// envKeys maps provider tags to the environment variables consulted
// when the config file carries nothing for them.
var envKeys = map[string]struct {
	apiKey   string
	endpoint string
	region   string
}{
	"anthropic": {apiKey: "ANTHROPIC_API_KEY"},
	"openai":    {apiKey: "OPENAI_API_KEY"},
	"xai":       {apiKey: "XAI_API_KEY"},
	"google":    {apiKey: "GOOGLE_API_KEY"},
	"azure":     {apiKey: "AZURE_OPENAI_API_KEY", endpoint: "AZURE_OPENAI_ENDPOINT"},
	"bedrock":   {region: "AWS_REGION"},
	"dial":      {apiKey: "DIAL_API_KEY", endpoint: "DIAL_ENDPOINT"},
	"local":     {endpoint: "OLLAMA_HOST"},
}

// layeredSecrets resolves from the config file first, then fills
// gaps from the environment.
type layeredSecrets struct {
	file map[string]ProviderSecrets
}

// NewSecrets builds the default secrets source: config file values
// overlaid on environment variables.
func NewSecrets(cfg *Config) SecretsSource {
	file := map[string]ProviderSecrets{}
	if cfg != nil {
		for tag, sec := range cfg.Providers {
			file[tag] = sec
		}
	}
	return &layeredSecrets{file: file}
}

func (s *layeredSecrets) Get(provider string) (ProviderSecrets, bool) {
	sec, found := s.file[provider]

	env, known := envKeys[provider]
	if known {
		if sec.APIKey == "" && env.apiKey != "" {
			if v := os.Getenv(env.apiKey); v != "" {
				sec.APIKey = v
				found = true
			}
		}
		if sec.Endpoint == "" && env.endpoint != "" {
			if v := os.Getenv(env.endpoint); v != "" {
				sec.Endpoint = v
				found = true
			}
		}
		if sec.Region == "" && env.region != "" {
			if v := os.Getenv(env.region); v != "" {
				sec.Region = v
				found = true
			}
		}
	}

	return sec, found
}

// StaticSecrets is a fixed map source, used by tests and embedders.
type StaticSecrets map[string]ProviderSecrets

func (s StaticSecrets) Get(provider string) (ProviderSecrets, bool) {
	sec, ok := s[provider]
	return sec, ok
}

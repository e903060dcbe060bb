// Package provider - adapter factory
package provider

import (
	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// New creates the adapter for a provider tag. Dispatches on the tag;
// four OpenAI-compatible tags share one adapter behind different
// constructor configs.
func New(tag string, sec config.ProviderSecrets, opts Options) (Client, error) {
	switch tag {
	case registry.ProviderAnthropic:
		return newAnthropicClient(sec.APIKey, sec.BaseURL, opts)
	case registry.ProviderOpenAI, registry.ProviderAzure, registry.ProviderGoogle, registry.ProviderDial:
		return newOpenAIClient(tag, sec, opts)
	case registry.ProviderXAI:
		return newXAIClient(sec.APIKey, opts)
	case registry.ProviderBedrock:
		return newBedrockClient(sec.Region, opts)
	case registry.ProviderLocal:
		return newOllamaClient(sec.Endpoint, opts), nil
	default:
		return nil, types.Errorf(types.KindConfiguration, "unknown provider tag: %s", tag)
	}
}

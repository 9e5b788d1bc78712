package ai

import (
	"log/slog"

	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// BuildProviders constructs the adapter for every provider named in the
// configured chain. Unknown names are skipped with a warning so a typo in the
// chain degrades to a shorter chain instead of a boot failure.
func BuildProviders(cfg config.Config, log *slog.Logger) map[string]domain.Provider {
	providers := make(map[string]domain.Provider)
	for _, name := range cfg.ProviderChain() {
		switch name {
		case "inlegalbert":
			providers[name] = NewEncoderClient(name,
				cfg.InLegalBERTBaseURL, cfg.InLegalBERTAPIKey, cfg.InLegalBERTModel,
				cfg.ProviderTimeout, log)
		case "deepseek":
			opts := []Option{}
			if cfg.DeepSeekEmbedModel != "" {
				opts = append(opts, WithEmbeddings(cfg.DeepSeekEmbedModel))
			}
			providers[name] = NewChatClient(name,
				cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey, cfg.DeepSeekModel,
				cfg.ProviderTimeout, log, opts...)
		case "grok":
			opts := []Option{}
			if cfg.GrokEmbedModel != "" {
				opts = append(opts, WithEmbeddings(cfg.GrokEmbedModel))
			}
			providers[name] = NewChatClient(name,
				cfg.GrokBaseURL, cfg.GrokAPIKey, cfg.GrokModel,
				cfg.ProviderTimeout, log, opts...)
		default:
			log.Warn("unknown provider in chain, skipping", slog.String("provider", name))
		}
	}
	return providers
}

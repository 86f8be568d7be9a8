package provider

// Built-in model catalogs. IDs track the upstream APIs; the registry lets
// configuration override or extend them per provider.

var anthropicModels = []ModelInfo{
	{
		ID: "claude-opus-4-5", Name: "Claude Opus 4.5", Provider: "anthropic",
		ContextWindow: 200000, MaxOutputTokens: 64000,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier: TierHigh, ThinkingSupport: true,
		InputPricePerM: 5, OutputPricePerM: 25,
	},
	{
		ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "anthropic",
		ContextWindow: 200000, MaxOutputTokens: 64000,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier: TierMedium, ThinkingSupport: true,
		InputPricePerM: 3, OutputPricePerM: 15,
	},
	{
		ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Provider: "anthropic",
		ContextWindow: 200000, MaxOutputTokens: 64000,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier: TierLow, ThinkingSupport: false,
		InputPricePerM: 1, OutputPricePerM: 5,
	},
}

var openaiModels = []ModelInfo{
	{
		ID: "gpt-5.2", Name: "GPT-5.2", Provider: "openai",
		ContextWindow: 400000, MaxOutputTokens: 128000,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier: TierHigh, ThinkingSupport: true,
		InputPricePerM: 1.25, OutputPricePerM: 10,
	},
	{
		ID: "gpt-5-mini", Name: "GPT-5 Mini", Provider: "openai",
		ContextWindow: 400000, MaxOutputTokens: 128000,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier: TierMedium, ThinkingSupport: true,
		InputPricePerM: 0.25, OutputPricePerM: 2,
	},
	{
		ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: "openai",
		ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier:           TierLow,
		InputPricePerM: 0.15, OutputPricePerM: 0.6,
	},
	{
		ID: "gpt-4o", Name: "GPT-4o", Provider: "openai",
		ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true,
		Tier:           TierMedium,
		InputPricePerM: 2.5, OutputPricePerM: 10,
	},
}

// Registry collects model catalogs across providers and resolves model IDs
// that may be qualified as "provider/model".
type Registry struct {
	catalogs map[string][]ModelInfo
}

// NewRegistry creates a registry seeded with the built-in catalogs.
func NewRegistry() *Registry {
	return &Registry{catalogs: map[string][]ModelInfo{
		"anthropic": anthropicModels,
		"openai":    openaiModels,
	}}
}

// Add registers or replaces a provider's catalog.
func (r *Registry) Add(providerName string, catalog []ModelInfo) {
	r.catalogs[providerName] = catalog
}

// ModelsFor returns the catalog for a provider.
func (r *Registry) ModelsFor(providerName string) []ModelInfo {
	return r.catalogs[providerName]
}

// Find resolves "provider/model" or a bare model ID searched across all
// providers.
func (r *Registry) Find(id string) (string, ModelInfo, bool) {
	for providerName, catalog := range r.catalogs {
		prefix := providerName + "/"
		for _, m := range catalog {
			if m.ID == id || prefix+m.ID == id {
				return providerName, m, true
			}
		}
	}
	return "", ModelInfo{}, false
}

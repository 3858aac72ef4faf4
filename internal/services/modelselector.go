package services

import (
	"fmt"
	"strings"

	"insight-analysis-pipeline/internal/config"
)

// Stage identifies one of the pipeline's three quality/cost levels.
type Stage string

const (
	StagePreliminary Stage = "preliminary"
	StageAnalysis    Stage = "analysis"
	StageReflection  Stage = "reflection"
)

// Tier buckets a content language into one of three model groups.
type Tier string

const (
	TierChinese Tier = "chinese"
	TierEnglish Tier = "english"
	TierOther   Tier = "other"
)

// Provider classifies a model identifier into the API family that serves it.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderLocal     Provider = "local"
	ProviderCustom    Provider = "custom"
)

// englishTierLanguages are the non-English language prefixes served by the
// english tier's models.
var englishTierLanguages = map[string]bool{
	"es": true, "fr": true, "de": true, "pt": true, "it": true,
}

// ModelSelector maps (language, stage) to a model identifier. It is pure
// except for credential lookups, which go through the injected getenv.
type ModelSelector struct {
	models config.ModelConfig
	getenv func(string) string
}

func NewModelSelector(models config.ModelConfig, getenv func(string) string) *ModelSelector {
	return &ModelSelector{models: models, getenv: getenv}
}

// TierFor classifies a BCP-47-like language tag by prefix. Chinese variants
// map to the chinese tier; English plus the Romance-language set map to the
// english tier; everything else (ja, ko, ...) falls through to other.
func (s *ModelSelector) TierFor(language string) Tier {
	lang := strings.ToLower(strings.TrimSpace(language))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	switch {
	case strings.HasPrefix(lang, "zh"):
		return TierChinese
	case strings.HasPrefix(lang, "en"), englishTierLanguages[lang]:
		return TierEnglish
	default:
		return TierOther
	}
}

// SelectModel returns the configured model for the language's tier at the
// given stage.
func (s *ModelSelector) SelectModel(language string, stage Stage) string {
	tier := s.TierFor(language)

	var tierModels config.TierModels
	switch stage {
	case StagePreliminary:
		tierModels = s.models.Preliminary
	case StageReflection:
		tierModels = s.models.Reflection
	default:
		tierModels = s.models.Analysis
	}

	switch tier {
	case TierChinese:
		return tierModels.Chinese
	case TierEnglish:
		return tierModels.English
	default:
		return tierModels.Other
	}
}

// ValidateConfig reports an error naming every (tier, stage) pair whose
// model is unset. Missing models are never silently defaulted.
func (s *ModelSelector) ValidateConfig() error {
	stages := []struct {
		stage  Stage
		models config.TierModels
	}{
		{StagePreliminary, s.models.Preliminary},
		{StageAnalysis, s.models.Analysis},
		{StageReflection, s.models.Reflection},
	}

	var missing []string
	for _, entry := range stages {
		if entry.models.Chinese == "" {
			missing = append(missing, fmt.Sprintf("%s/%s", TierChinese, entry.stage))
		}
		if entry.models.English == "" {
			missing = append(missing, fmt.Sprintf("%s/%s", TierEnglish, entry.stage))
		}
		if entry.models.Other == "" {
			missing = append(missing, fmt.Sprintf("%s/%s", TierOther, entry.stage))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("model configuration incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ModelProvider classifies a model name into its provider family by literal
// prefix/substring match.
func (s *ModelSelector) ModelProvider(model string) Provider {
	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(name, "gpt"), strings.HasPrefix(name, "o1"):
		return ProviderOpenAI
	case strings.Contains(name, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(name, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(name, "deepseek"):
		return ProviderDeepSeek
	case strings.Contains(name, "llama"), strings.Contains(name, "mistral"):
		return ProviderLocal
	default:
		return ProviderCustom
	}
}

// IsModelAvailable reports whether the model's provider has a credential
// present. The local runtime needs none and is always available.
func (s *ModelSelector) IsModelAvailable(model string) bool {
	switch s.ModelProvider(model) {
	case ProviderOpenAI:
		return s.getenv("OPENAI_API_KEY") != ""
	case ProviderAnthropic:
		return s.getenv("ANTHROPIC_API_KEY") != ""
	case ProviderDeepSeek:
		return s.getenv("DEEPSEEK_API_KEY") != ""
	case ProviderGemini:
		return s.getenv("GEMINI_API_KEY") != "" || s.getenv("GOOGLE_API_KEY") != ""
	case ProviderLocal:
		return true
	default:
		return s.getenv("LLM_API_KEY") != ""
	}
}

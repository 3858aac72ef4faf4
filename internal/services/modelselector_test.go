package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-analysis-pipeline/internal/config"
)

func TestTierFor(t *testing.T) {
	selector := testSelector()

	cases := []struct {
		language string
		want     Tier
	}{
		{"zh", TierChinese},
		{"zh-CN", TierChinese},
		{"zh_TW", TierChinese},
		{"en", TierEnglish},
		{"en-US", TierEnglish},
		{"es", TierEnglish},
		{"fr", TierEnglish},
		{"de", TierEnglish},
		{"pt-BR", TierEnglish},
		{"it", TierEnglish},
		{"ja", TierOther},
		{"ko", TierOther},
		{"ru", TierOther},
		{"", TierOther},
		{"  EN  ", TierEnglish},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, selector.TierFor(tc.language), "language %q", tc.language)
	}
}

func TestSelectModelPerStage(t *testing.T) {
	selector := testSelector()

	assert.Equal(t, "deepseek-chat", selector.SelectModel("zh", StagePreliminary))
	assert.Equal(t, "gpt-4o", selector.SelectModel("en", StageAnalysis))
	assert.Equal(t, "claude-sonnet-4-20250514", selector.SelectModel("ja", StageReflection))
	assert.Equal(t, "deepseek-reasoner", selector.SelectModel("zh-CN", StageReflection))
}

func TestValidateConfigReportsEveryMissingPair(t *testing.T) {
	selector := NewModelSelector(config.ModelConfig{
		Preliminary: config.TierModels{Chinese: "a", English: "b", Other: "c"},
		Analysis:    config.TierModels{Chinese: "a", English: "", Other: "c"},
		Reflection:  config.TierModels{Chinese: "", English: "b", Other: ""},
	}, func(string) string { return "" })

	err := selector.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "english/analysis")
	assert.Contains(t, err.Error(), "chinese/reflection")
	assert.Contains(t, err.Error(), "other/reflection")
}

func TestValidateConfigComplete(t *testing.T) {
	assert.NoError(t, testSelector().ValidateConfig())
}

func TestModelProvider(t *testing.T) {
	selector := testSelector()

	cases := []struct {
		model string
		want  Provider
	}{
		{"gpt-4o", ProviderOpenAI},
		{"o1-mini", ProviderOpenAI},
		{"gemini-2.0-flash", ProviderGemini},
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"deepseek-chat", ProviderDeepSeek},
		{"llama3.1:8b", ProviderLocal},
		{"mistral-nemo", ProviderLocal},
		{"qwen2.5", ProviderCustom},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, selector.ModelProvider(tc.model), "model %q", tc.model)
	}
}

func TestIsModelAvailable(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY": "sk-test",
	}
	selector := NewModelSelector(config.ModelConfig{}, func(key string) string {
		return env[key]
	})

	assert.True(t, selector.IsModelAvailable("gpt-4o"))
	assert.False(t, selector.IsModelAvailable("claude-sonnet-4-20250514"))
	assert.True(t, selector.IsModelAvailable("llama3.1"), "local models need no credential")
	assert.False(t, selector.IsModelAvailable("qwen2.5"), "custom provider needs LLM_API_KEY")

	env["GOOGLE_API_KEY"] = "g-test"
	assert.True(t, selector.IsModelAvailable("gemini-2.0-flash"), "GOOGLE_API_KEY is accepted for gemini")
}

package provider

import "strings"

// FromModel infers the provider family from a model identifier, so callers
// can pass "gemini-2.0-flash" or "llama-3.3-70b-versatile" without naming a
// provider separately. Unknown identifiers return the empty Name and leave
// the choice to the credential resolver.
func FromModel(model string) Name {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return ""
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "models/gemini"):
		return Gemini
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return OpenAICompatible
	case strings.Contains(m, ":"):
		// Ollama tags look like "llama3:8b" or "qwen2.5:14b-instruct".
		return Ollama
	case strings.HasPrefix(m, "llama"), strings.HasPrefix(m, "mixtral"),
		strings.HasPrefix(m, "gemma"), strings.HasPrefix(m, "qwen"),
		strings.HasPrefix(m, "deepseek"):
		return Groq
	default:
		return ""
	}
}

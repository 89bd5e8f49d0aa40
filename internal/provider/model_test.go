package provider

import "testing"

func TestFromModel(t *testing.T) {
	cases := []struct {
		model string
		want  Name
	}{
		{"gemini-2.0-flash", Gemini},
		{"models/gemini-1.5-pro", Gemini},
		{"gpt-4o-mini", OpenAICompatible},
		{"o3-mini", OpenAICompatible},
		{"llama-3.3-70b-versatile", Groq},
		{"mixtral-8x7b-32768", Groq},
		{"qwen-qwq-32b", Groq},
		{"llama3.2:3b", Ollama},
		{"deepseek-r1:8b", Ollama},
		{"", Name("")},
		{"totally-unknown", Name("")},
	}
	for _, tc := range cases {
		if got := FromModel(tc.model); got != tc.want {
			t.Errorf("FromModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

package config

import "os"

// AdvisorProvider names a supported advisor backend and its key variables.
type AdvisorProvider struct {
	Name    string
	EnvKeys []string
	Models  []string
}

// APIKey returns the first non-empty key variable.
func (p AdvisorProvider) APIKey() string {
	for _, k := range p.EnvKeys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func AdvisorProviders() []AdvisorProvider {
	return []AdvisorProvider{
		{Name: "google", EnvKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}, Models: []string{"gemini-2.5-flash", "gemini-2.5-pro"}},
		{Name: "anthropic", EnvKeys: []string{"ANTHROPIC_API_KEY"}, Models: []string{"claude-haiku-4-5", "claude-sonnet-4-5"}},
		{Name: "openai", EnvKeys: []string{"OPENAI_API_KEY"}, Models: []string{"gpt-4o-mini", "gpt-4o"}},
	}
}

// AvailableAdvisorProviders lists providers whose key is set in the
// environment.
func AvailableAdvisorProviders() []string {
	var out []string
	for _, p := range AdvisorProviders() {
		if p.APIKey() != "" {
			out = append(out, p.Name)
		}
	}
	return out
}

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/basket/leadops/internal/shared"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects the model behind the plan advisor.
type GenkitConfig struct {
	Provider string `yaml:"provider"` // google (default), anthropic, openai
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// GenkitAdvisor asks a hosted model to refine the rule plan.
type GenkitAdvisor struct {
	g     *genkit.Genkit
	model string
}

const advisorSystemPrompt = `You route business leads for a vacation-rental operation to worker roles.
Roles: BOOKING_MANAGER, PRICING_MANAGER, CALENDAR_SYNC, MARKETING, SUPPORT, FINANCE, VENDOR_ONBOARDING.
Priority is an integer from 1 (most urgent) to 10.
Reply with a single JSON object: {"tasks":[{"role":"...","priority":1,"action":"snake_case_action","input":{}}]}.
Return between 1 and 10 tasks. No prose outside the JSON.`

// NewGenkitAdvisor initializes the provider plugin. It fails when no API key
// is configured so callers can run without an advisor.
func NewGenkitAdvisor(ctx context.Context, cfg GenkitConfig) (*GenkitAdvisor, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, shared.NewError(shared.KindConfiguration, "no API key for advisor provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google", "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		return nil, shared.NewError(shared.KindConfiguration, "unknown advisor provider %q", provider)
	}
	return &GenkitAdvisor{g: g, model: modelNameForProvider(provider, cfg.Model)}, nil
}

func (a *GenkitAdvisor) Model() string { return a.model }

func (a *GenkitAdvisor) Advise(ctx context.Context, lead Lead, plan TaskPlan) (string, error) {
	leadJSON, err := json.Marshal(lead.Data)
	if err != nil {
		return "", fmt.Errorf("encode lead: %w", err)
	}
	planJSON, err := json.Marshal(plan.Tasks)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	prompt := fmt.Sprintf("Lead type: %s\nSource: %s\nData: %s\nRule-based plan (%s): %s\nReturn the improved plan.",
		lead.Type, lead.Source, shared.Redact(string(leadJSON)), plan.Rule, planJSON)

	// ai.WithSystem and ai.WithPrompt treat their text as a format string.
	resp, err := genkit.Generate(ctx, a.g,
		ai.WithModelName(a.model),
		ai.WithSystem(strings.ReplaceAll(advisorSystemPrompt, "%", "%%")),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	)
	if err != nil {
		return "", fmt.Errorf("advisor generate: %w", err)
	}
	return resp.Text(), nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-haiku-4-5"
		}
		return "anthropic/" + model
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		return "openai/" + model
	default:
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return "googleai/" + model
	}
}

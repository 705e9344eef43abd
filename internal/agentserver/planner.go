package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"tabi/internal/action"
	"tabi/internal/inference"
)

// SystemPrompt steers the hosted model. It decides the action and produces the
// payload in a single call.
const SystemPrompt = `You are a careful browser assistant.
- Never invent tabs.
- Only operate on the provided context.
- Prefer minimal, safe edits.
- Outputs MUST be a single JSON object {"action": ..., "output": ..., "confidence": ...}.
- Any bookmark directly under id 1, 2, or 3 is considered ungrouped.
- If you decide to generate, do not just append search queries to a search engine URL.
Rules for generate_tabs:
  1. Generate 5-7 high-quality, diverse tabs that will help the user accomplish their task.
  2. Include 1-2 utility tabs such as tools or references (e.g., Google Maps, Docs).
  3. Return only structured data matching {"group_name": ..., "tabs": [{"title", "url", "description"}]}.
  4. Use accurate and descriptive tab titles and URLs.
Valid actions: search_tabs, close_tabs, organize_tabs, generate_tabs, remove_bookmarks,
search_bookmarks, organize_bookmarks.
Given tabs/bookmarks and user request, decide what to do AND return the result in one go.
When a request is vague, default to generate_tabs.
Also include how confident you are (from 0-1) on your intent matching.`

// Planner produces a validated plan for one agent request.
type Planner interface {
	Plan(ctx context.Context, req inference.AgentRequest) (action.Plan, error)
}

// Generator is the slice of the genai models service the planner calls.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiPlanner plans with a Gemini model through the Gemini API.
type GeminiPlanner struct {
	models Generator
	model  string
	logger *zap.Logger
}

// NewGeminiPlanner creates a genai client for apiKey.
func NewGeminiPlanner(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiPlanner, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiPlanner(client.Models, model, logger), nil
}

func newGeminiPlanner(models Generator, model string, logger *zap.Logger) *GeminiPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiPlanner{models: models, model: model, logger: logger.Named("gemini")}
}

func (p *GeminiPlanner) Plan(ctx context.Context, req inference.AgentRequest) (action.Plan, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return action.Plan{}, err
	}

	resp, err := p.models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return action.Plan{}, fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	plan, err := action.ParsePlan([]byte(text))
	if err != nil {
		p.logger.Warn("model reply is not a plan", zap.Int("bytes", len(text)), zap.Error(err))
		return action.Plan{}, err
	}
	p.logger.Debug("plan generated",
		zap.String("action", string(plan.Action)),
		zap.Float64("confidence", plan.Confidence))
	return plan, nil
}

// BuildPrompt renders the request as the model's user turn.
func BuildPrompt(req inference.AgentRequest) (string, error) {
	tabs, err := json.Marshal(req.Context.Tabs)
	if err != nil {
		return "", fmt.Errorf("encode tabs: %w", err)
	}
	bookmarks, err := json.Marshal(req.Context.Bookmarks)
	if err != nil {
		return "", fmt.Errorf("encode bookmarks: %w", err)
	}

	var b strings.Builder
	b.WriteString("Tabs: ")
	b.Write(tabs)
	b.WriteString("\nBookmarks:")
	b.Write(bookmarks)
	b.WriteString("\nUser: ")
	b.WriteString(req.Prompt)
	return b.String(), nil
}

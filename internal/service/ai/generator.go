// Package ai produces assistant replies through eino chat models.
package ai

import (
	"context"
	"fmt"
	"strings"

	"ragbot/internal/config"
	"ragbot/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const systemPrompt = "You are a helpful assistant answering questions over WhatsApp. " +
	"Answer using the reference material below when it is relevant. " +
	"If the material does not cover the question, say so honestly instead of guessing. " +
	"Keep replies short and conversational."

type Generator struct {
	chatModel     model.BaseChatModel
	historyWindow int
	tokenBudget   int
}

// NewGenerator builds the configured provider's chat model.
func NewGenerator(ctx context.Context, cfg *config.AIConfig, ragCfg *config.RAGConfig) (*Generator, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)

	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.GoogleAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.GeminiModel,
		})
	case "claude":
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.ClaudeModel,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}

	return &Generator{
		chatModel:     chatModel,
		historyWindow: ragCfg.HistoryWindow,
		tokenBudget:   ragCfg.TokenBudget,
	}, nil
}

// NewGeneratorWithModel wires a prebuilt chat model, mainly for tests.
func NewGeneratorWithModel(chatModel model.BaseChatModel, historyWindow, tokenBudget int) *Generator {
	return &Generator{chatModel: chatModel, historyWindow: historyWindow, tokenBudget: tokenBudget}
}

// Generate answers the conversation's latest user message. history must be
// in chronological order and end with that message. Returned tokens is the
// provider-reported total usage, 0 when the provider omits it.
func (g *Generator) Generate(ctx context.Context, history []*models.Message, passages []models.Passage) (string, int, error) {
	messages := g.buildMessages(history, passages)

	resp, err := g.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", 0, fmt.Errorf("generate reply: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", 0, fmt.Errorf("generate reply: model returned empty content")
	}

	tokens := 0
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		tokens = resp.ResponseMeta.Usage.TotalTokens
	}
	return reply, tokens, nil
}

func (g *Generator) buildMessages(history []*models.Message, passages []models.Passage) []*schema.Message {
	system := systemPrompt
	if block := contextBlock(passages); block != "" {
		system += "\n\nReference material:\n" + block
	}

	window := history
	if g.historyWindow > 0 && len(window) > g.historyWindow {
		window = window[len(window)-g.historyWindow:]
	}
	window = trimToBudget(window, g.tokenBudget)

	messages := make([]*schema.Message, 0, len(window)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: system})
	for _, msg := range window {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	return messages
}

func contextBlock(passages []models.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, p.Text)
		if p.Source != "" {
			fmt.Fprintf(&b, "\n(source: %s)", p.Source)
		}
	}
	return b.String()
}

// trimToBudget drops the oldest turns until the estimated token count of
// the remaining window fits the budget. The latest message always stays.
func trimToBudget(window []*models.Message, budget int) []*models.Message {
	if budget <= 0 || len(window) == 0 {
		return window
	}
	total := 0
	for _, msg := range window {
		total += estimateTokens(msg.Content)
	}
	for len(window) > 1 && total > budget {
		total -= estimateTokens(window[0].Content)
		window = window[1:]
	}
	return window
}

// estimateTokens approximates usage at four characters per token.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

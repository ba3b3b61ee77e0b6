package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"reviewchat/internal/config"
	"reviewchat/internal/models"
)

// Client wraps one hosted chat model behind the narrow invoke contract the
// turn controller consumes.
type Client struct {
	provider  string
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	system    string
}

// Options configures a model client.
type Options struct {
	Provider     string
	Model        string
	APIKey       string
	SystemPrompt string
	// EnableTools wires the web search tools through a react agent.
	EnableTools bool
}

// NewClient builds a chat model for the configured provider.
func NewClient(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	provCfg, err := cfg.Provider(opts.Provider)
	if err != nil {
		return nil, err
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = provCfg.APIKey
	}

	var chatModel model.ToolCallingChatModel
	switch opts.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: apiKey,
		})
		if err == nil {
			chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
				Client: client,
				Model:  modelName,
			})
		}
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, &ProviderError{Provider: opts.Provider, Err: fmt.Errorf("invalid provider")}
	}
	if err != nil {
		return nil, &ProviderError{Provider: opts.Provider, Err: err}
	}

	c := &Client{
		provider:  opts.Provider,
		chatModel: chatModel,
		system:    opts.SystemPrompt,
	}

	if opts.EnableTools {
		tools := initToolsChain()
		if len(tools) > 0 {
			agent, err := react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, &ProviderError{Provider: opts.Provider, Err: fmt.Errorf("init react agent: %w", err)}
			}
			c.agent = agent
		}
	}
	return c, nil
}

// Invoke streams one completion for the given conversation context. The
// onToken callback receives each text chunk as it arrives (zero or more
// calls) and the accumulated final text is returned on success.
func (c *Client) Invoke(ctx context.Context, turns []*models.Turn, onToken func(string) error) (string, error) {
	messages := c.convertTurns(turns)

	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if c.agent != nil {
		streamReader, err = c.agent.Stream(ctx, messages)
	} else {
		streamReader, err = c.chatModel.Stream(ctx, messages)
	}
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Err: err}
	}
	defer streamReader.Close()

	var fullContent string
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", &StreamError{Err: err}
		}
		content := chunk.Content
		if content == "" {
			continue
		}
		fullContent += content
		if onToken != nil {
			if err := onToken(content); err != nil {
				return "", err
			}
		}
	}
	return fullContent, nil
}

// convertTurns maps transcript turns onto provider messages, prepending
// the persona system prompt. Turns carrying image parts become multi-part
// messages.
func (c *Client) convertTurns(turns []*models.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns)+1)
	if c.system != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: c.system})
	}
	for _, turn := range turns {
		if turn == nil {
			continue
		}
		var role schema.RoleType
		switch turn.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}

		msg := &schema.Message{Role: role}
		if hasImageParts(turn.Parts) {
			msg.MultiContent = convertParts(turn.Parts)
		} else {
			msg.Content = textContent(turn)
		}
		messages = append(messages, msg)
	}
	return messages
}

// textContent returns the turn's effective prompt text. A user turn that
// merged file context carries the wrapped prompt in its parts; the Text
// field keeps only what the user typed.
func textContent(turn *models.Turn) string {
	var sb strings.Builder
	for _, p := range turn.Parts {
		if p.Type != models.PartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return turn.Text
	}
	return sb.String()
}

func hasImageParts(parts []models.ContentPart) bool {
	for _, p := range parts {
		if p.Type == models.PartImage {
			return true
		}
	}
	return false
}

func convertParts(parts []models.ContentPart) []schema.ChatMessagePart {
	converted := make([]schema.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			converted = append(converted, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case models.PartImage:
			converted = append(converted, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      p.ImageURL,
					MIMEType: p.MimeType,
				},
			})
		}
	}
	return converted
}

package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"reviewchat/internal/models"
)

const titleSystemPrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
	"The title should be within 10 words and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

// GenerateTitle produces a short session title from the opening turns.
func (c *Client) GenerateTitle(ctx context.Context, turns []*models.Turn) (string, error) {
	if len(turns) == 0 {
		return "New Conversation", nil
	}
	conversationText := ""
	for _, turn := range turns {
		if turn == nil {
			continue
		}
		switch turn.Role {
		case models.RoleUser:
			conversationText += fmt.Sprintf("User: %s\n", turn.Text)
		case models.RoleAssistant:
			conversationText += fmt.Sprintf("Assistant: %s\n", turn.Text)
		}
	}

	messages := []*schema.Message{
		{
			Role:    schema.System,
			Content: titleSystemPrompt,
		},
		{
			Role:    schema.User,
			Content: fmt.Sprintf("Please generate a clean title using the following conversation messages:\n\n%s", conversationText),
		},
	}
	resp, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Err: fmt.Errorf("generate title: %w", err)}
	}
	if resp.Content == "" {
		return "New Conversation", nil
	}
	return resp.Content, nil
}

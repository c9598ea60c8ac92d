package conversation

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"voip-notify/internal/models"
)

const systemPrompt = `You are an AI assistant making a phone call on behalf of a client.
Keep every reply to one or two short spoken sentences. Do not use lists or markup.
Stay on the task and do not invent commitments the client did not make.`

// OpenAI generates replies with the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

func NewOpenAI(apiKey, model string, log *zap.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key not set", ErrGeneratorUnavailable)
	}
	return newOpenAIWithConfig(openai.DefaultConfig(apiKey), model, log), nil
}

func newOpenAIWithConfig(cfg openai.ClientConfig, model string, log *zap.Logger) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("initializing openai generator", zap.String("model", model))
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, log: log}
}

func (o *OpenAI) Generate(ctx context.Context, p Prompt) (string, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: "Task: " + TaskScript(p.Kind, p.Task)},
	}
	for _, t := range p.Transcript {
		role := openai.ChatMessageRoleAssistant
		if t.Speaker == models.SpeakerHuman {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Input})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               o.model,
		Messages:            msgs,
		MaxCompletionTokens: 120,
	})
	if err != nil {
		o.log.Error("openai chat completion failed", zap.Error(err))
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrGeneratorUnavailable)
	}
	o.log.Debug("received openai reply", zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

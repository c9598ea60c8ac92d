package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voip-notify/internal/models"
)

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAI("", "", nil)
	assert.ErrorIs(t, err, ErrGeneratorUnavailable)
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()

	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Does seven work?"}}]}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	gen := newOpenAIWithConfig(cfg, "", nil)

	reply, err := gen.Generate(context.Background(), Prompt{
		Kind: models.TaskRestaurantBooking,
		Task: "book a table",
		Transcript: []models.Turn{
			{Seq: 1, Speaker: models.SpeakerSystem, Content: "Hi there"},
			{Seq: 2, Speaker: models.SpeakerHuman, Content: "Hello"},
			{Seq: 3, Speaker: models.SpeakerSystem, Content: "For two please"},
		},
		Input: "What time?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Does seven work?", reply)

	assert.Equal(t, openai.GPT4oMini, got.Model)
	require.Len(t, got.Messages, 6)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[3].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[4].Role)
	assert.Equal(t, "What time?", got.Messages[5].Content)
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	_, err := newOpenAIWithConfig(cfg, "gpt-4o", nil).Generate(context.Background(), Prompt{Input: "hi"})
	assert.ErrorIs(t, err, ErrGeneratorUnavailable)
}

func TestStaticGenerator(t *testing.T) {
	t.Parallel()

	reply, err := Static{}.Generate(context.Background(), Prompt{Kind: models.TaskAppointmentReschedule, Input: "We have a slot at 3"})
	require.NoError(t, err)
	assert.Contains(t, reply, "afternoon")

	reply, err = Static{}.Generate(context.Background(), Prompt{Kind: models.TaskDeliveryUpdate, Input: "It shipped"})
	require.NoError(t, err)
	assert.Equal(t, "Thank you for that information. Is there anything else I should know?", reply)
}

package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/config"
)

func openAITestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider("local", &config.BackendConfig{
		Type:    config.BackendOpenAICompatible,
		BaseURL: url,
		Model:   "test-model",
	})
}

func TestOpenAIChat(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello back"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)
	}))
	defer srv.Close()

	p := openAITestProvider(srv.URL)
	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hello"}}, Options{System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply.Text)
	assert.Equal(t, 12, reply.Tokens)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	assert.Equal(t, "test-model", gotReq.Model)
}

func TestOpenAIChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := openAITestProvider(srv.URL)
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := openAITestProvider(srv.URL)
	events, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)

	var text string
	var last EventType
	for ev := range events {
		last = ev.Type
		if ev.Type == EventChunk {
			text += ev.Content
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, EventDone, last)
}

func TestOpenAIChatStreamStopsOnFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"never seen\"}}]}\n\n")
	}))
	defer srv.Close()

	p := openAITestProvider(srv.URL)
	events, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)

	var text string
	for ev := range events {
		if ev.Type == EventChunk {
			text += ev.Content
		}
	}
	assert.Equal(t, "done", text)
}

func TestOpenAIMultimodalContent(t *testing.T) {
	m := Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: "text", Text: "what is this"},
			{Type: "image_url", ImageURL: "http://img/x.png"},
		},
	}
	content := openAIContent(m).([]map[string]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0]["type"])
	assert.Equal(t, "image_url", content[1]["type"])
}

func TestOpenAIAvailability(t *testing.T) {
	noKey := openAITestProvider("http://x")
	assert.True(t, noKey.Available())

	withKey := NewOpenAIProvider("cloud", &config.BackendConfig{
		BaseURL: "http://x", APIKeyEnv: "ARBITER_TEST_MISSING_KEY",
	})
	assert.False(t, withKey.Available())

	t.Setenv("ARBITER_TEST_MISSING_KEY", "secret")
	assert.True(t, withKey.Available())
}

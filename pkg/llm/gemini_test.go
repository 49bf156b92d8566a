package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

func TestGeminiRequiresCredentials(t *testing.T) {
	g, err := NewGemini()
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	if _, err := g.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Chat err = %v", err)
	}
	if err := g.Health(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Health err = %v", err)
	}
}

func TestGeminiPayload(t *testing.T) {
	g, err := NewGemini(WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	payload := g.buildPayload(&ChatRequest{
		Messages: []llmcontext.Message{
			llmcontext.System("be brief"),
			llmcontext.User("show a cat"),
			{Role: llmcontext.RoleAssistant, ToolCalls: []llmcontext.ToolCall{{ID: "c1", Name: "show_picture", Arguments: `{"url":"http://cat"}`}}},
			llmcontext.ToolResult("c1", "show_picture", map[string]string{"status": "displayed"}),
			llmcontext.User("thanks"),
		},
		Tools: tools.SandboxTools(),
	})

	sys := payload["systemInstruction"].(map[string]any)["parts"].([]map[string]string)
	if sys[0]["text"] != "be brief" {
		t.Errorf("systemInstruction = %v", sys)
	}

	contents := payload["contents"].([]geminiContent)
	roles := make([]string, len(contents))
	for i, c := range contents {
		roles[i] = c.Role
	}
	if strings.Join(roles, ",") != "user,model,user" {
		t.Fatalf("roles = %v", roles)
	}
	call := contents[1].Parts[0].FunctionCall
	if call == nil || call.Name != "show_picture" || call.Args["url"] != "http://cat" {
		t.Errorf("functionCall = %+v", call)
	}
	// The tool response and the next user turn share one content.
	if len(contents[2].Parts) != 2 {
		t.Fatalf("last content parts = %+v", contents[2].Parts)
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "show_picture" || resp.Response["status"] != "displayed" {
		t.Errorf("functionResponse = %+v", resp)
	}

	decls := payload["tools"].([]map[string]any)[0]["functionDeclarations"].([]map[string]any)
	if len(decls) != 2 || decls[1]["name"] != "show_text" {
		t.Errorf("functionDeclarations = %v", decls)
	}
}

func TestGeminiStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("url = %s", r.URL)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "gkey" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Showing "}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"it."},{"functionCall":{"name":"show_text","args":{"text":"cat"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`+"\n\n")
	}))
	defer server.Close()

	g, err := NewGemini(WithAPIKey("gkey"), WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	stream, err := g.Stream(context.Background(), &ChatRequest{Messages: []llmcontext.Message{llmcontext.User("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var text string
	var final *StreamChunk
	for final == nil {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text += chunk.Delta
		if chunk.Done {
			final = chunk
		}
	}
	if text != "Showing it." {
		t.Errorf("text = %q", text)
	}
	if final.FinishReason != "stop" || final.Usage == nil || final.Usage.TotalTokens != 10 {
		t.Errorf("final = %+v", final)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", final.ToolCalls)
	}
	tc := final.ToolCalls[0]
	if tc.Name != "show_text" || tc.Arguments != `{"text":"cat"}` || !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestGeminiChatWithTokenSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer adc-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("x-goog-api-key") != "" {
			t.Error("api key header should be absent")
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["systemInstruction"]; ok {
			t.Error("no system messages were sent")
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}]}`)
	}))
	defer server.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "adc-token", TokenType: "Bearer"})
	g, err := NewGemini(WithTokenSource(ts), WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := g.Chat(context.Background(), &ChatRequest{Messages: []llmcontext.Message{llmcontext.User("hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hello" || resp.Model != "gemini-2.0-flash" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGeminiError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer server.Close()

	g, _ := NewGemini(WithAPIKey("bad"), WithBaseURL(server.URL))
	_, err := g.Chat(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != 403 || apiErr.Code != "PERMISSION_DENIED" || apiErr.Provider != "gemini" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

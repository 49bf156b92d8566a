// Package llmcontext holds the conversation state shared by the context
// aggregators and the LLM services of one session.
package llmcontext

import (
	"encoding/json"
	"sync"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult returns a tool message carrying result as JSON.
func ToolResult(callID, name string, result any) Message {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"error":"unserializable result"}`)
	}
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: string(content)}
}

// Context is an ordered message list plus the tools available to the LLM.
// Safe for concurrent use.
type Context struct {
	mu       sync.RWMutex
	messages []Message
	tools    tools.ToolsSchema
}

// New creates a context seeded with messages.
func New(messages []Message, ts tools.ToolsSchema) *Context {
	c := &Context{tools: ts}
	c.messages = append(c.messages, messages...)
	return c
}

// Messages returns a copy of the messages.
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Tools returns the tools schema.
func (c *Context) Tools() tools.ToolsSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// SystemPrompt returns the content of the first system message.
func (c *Context) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// AddMessage appends one message.
func (c *Context) AddMessage(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// AddMessages appends messages in order.
func (c *Context) AddMessages(ms ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, ms...)
}

// Last returns the most recent message.
func (c *Context) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

// Stream returns a streaming chat response.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	resp, err := c.post(ctx, c.stream, "/chat/completions", c.buildChatPayload(req, true))
	if err != nil {
		return nil, err
	}
	return &clientStream{
		name:   c.name,
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
		calls:  make(map[int]*llmcontext.ToolCall),
	}, nil
}

// clientStream reads server-sent events from a chat completions stream.
// Tool call fragments are merged by index and released with the final chunk.
type clientStream struct {
	name   string
	reader *bufio.Reader
	body   io.ReadCloser

	calls  map[int]*llmcontext.ToolCall
	usage  *Usage
	finish string
	done   bool
}

func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			return s.finishChunk(), nil
		}
		if err != nil && err != io.EOF {
			return nil, WrapError(s.name, fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return s.finishChunk(), nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Error != nil {
			return nil, &APIError{Message: event.Error.Message, Provider: s.name}
		}
		if event.Usage != nil {
			u := event.Usage.usage()
			s.usage = &u
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			call, ok := s.calls[tc.Index]
			if !ok {
				call = &llmcontext.ToolCall{}
				s.calls[tc.Index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			call.Name += tc.Function.Name
			call.Arguments += tc.Function.Arguments
		}
		if choice.Delta.Content != "" {
			return &StreamChunk{Delta: choice.Delta.Content}, nil
		}
	}
}

func (s *clientStream) finishChunk() *StreamChunk {
	s.done = true
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var calls []llmcontext.ToolCall
	for _, i := range idx {
		calls = append(calls, *s.calls[i])
	}
	return &StreamChunk{ToolCalls: calls, FinishReason: s.finish, Usage: s.usage, Done: true}
}

func (s *clientStream) Close() error {
	return s.body.Close()
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Role      string `json:"role"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

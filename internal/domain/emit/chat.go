// Package emit builds the OpenAI-shaped wire output: chat completion bodies
// and chunks, Responses API bodies and their SSE event sequence, and the
// cumulative-snapshot delta tracker.
package emit

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m365proxy/m365proxy/internal/domain/assistant"
)

// NewCompletionID mints a chat completion id of the form chatcmpl-<hex32>.
func NewCompletionID() string {
	return "chatcmpl-" + hex32()
}

func hex32() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToolCallFunction is the function part of an emitted tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallBody is one tool call in a completion message or chunk delta.
type ToolCallBody struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// CompletionMessage is the assistant message of a buffered completion.
// Content serializes as null when tool calls are present.
type CompletionMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []ToolCallBody `json:"tool_calls,omitempty"`
}

// ChatChoice is a buffered completion choice.
type ChatChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatCompletion mirrors the OpenAI chat.completion object.
type ChatCompletion struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Created        int64        `json:"created"`
	Model          string       `json:"model"`
	Choices        []ChatChoice `json:"choices"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// ChunkDelta holds only the fields set on this chunk.
type ChunkDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCallBody `json:"tool_calls,omitempty"`
}

// ChunkChoice is a streaming choice.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatChunk mirrors the OpenAI chat.completion.chunk object.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// NewChatCompletion builds the buffered completion body for an assistant
// response. conversationID is attached only when includeConversation is set.
func NewChatCompletion(model string, resp *assistant.Response, conversationID string, includeConversation bool) ChatCompletion {
	msg := CompletionMessage{Role: "assistant", Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCallBody{
			ID:       tc.ID,
			Type:     "function",
			Function: ToolCallFunction{Name: tc.Name, Arguments: tc.ArgumentsJSON},
		})
	}

	body := ChatCompletion{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{Index: 0, Message: msg, FinishReason: resp.FinishReason}},
	}
	if includeConversation {
		body.ConversationID = conversationID
	}
	return body
}

// chunk builds a chunk skeleton sharing the stream's id/created/model.
func chunk(id string, created int64, model string, choice ChunkChoice) ChatChunk {
	return ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{choice},
	}
}

// RoleChunk is the opening chunk carrying only the assistant role.
func RoleChunk(id string, created int64, model string) ChatChunk {
	return chunk(id, created, model, ChunkChoice{Delta: ChunkDelta{Role: "assistant"}})
}

// ContentChunk carries one content delta.
func ContentChunk(id string, created int64, model, delta string) ChatChunk {
	return chunk(id, created, model, ChunkChoice{Delta: ChunkDelta{Content: delta}})
}

// ToolCallsChunk carries the extracted tool calls as a single delta.
func ToolCallsChunk(id string, created int64, model string, calls []assistant.ToolCall) ChatChunk {
	var bodies []ToolCallBody
	for i, tc := range calls {
		idx := i
		bodies = append(bodies, ToolCallBody{
			Index:    &idx,
			ID:       tc.ID,
			Type:     "function",
			Function: ToolCallFunction{Name: tc.Name, Arguments: tc.ArgumentsJSON},
		})
	}
	return chunk(id, created, model, ChunkChoice{Delta: ChunkDelta{ToolCalls: bodies}})
}

// FinishChunk is the terminal chunk carrying the finish reason.
func FinishChunk(id string, created int64, model, finishReason string) ChatChunk {
	return chunk(id, created, model, ChunkChoice{Delta: ChunkDelta{}, FinishReason: &finishReason})
}

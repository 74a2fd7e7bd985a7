package llm

import "github.com/openai/openai-go"

// Tool describes a function the model may call. Parameters is a JSON schema
// object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Reply is one assistant turn. An empty ToolCalls slice means the model
// produced its final answer in Content.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Conversation accumulates the messages of a single exchange. It is not safe
// for concurrent use.
type Conversation struct {
	messages []openai.ChatCompletionMessageParamUnion
}

func NewConversation(system, user string) *Conversation {
	conv := &Conversation{}
	if system != "" {
		conv.messages = append(conv.messages, textMessage(openai.ChatCompletionMessageParamRoleSystem, system))
	}
	conv.messages = append(conv.messages, textMessage(openai.ChatCompletionMessageParamRoleUser, user))
	return conv
}

func (c *Conversation) AddToolResult(callID, content string) {
	msg := textMessage(openai.ChatCompletionMessageParamRoleTool, content)
	msg.ToolCallID = openai.F(callID)
	c.messages = append(c.messages, msg)
}

// textMessage sends content as a plain string. The SDK helpers send a list
// of text parts, which several OpenAI-compatible providers reject for system
// and tool messages.
func textMessage(role openai.ChatCompletionMessageParamRole, content string) openai.ChatCompletionMessageParam {
	return openai.ChatCompletionMessageParam{
		Role:    openai.F(role),
		Content: openai.F[any](content),
	}
}

func (c *Conversation) Len() int {
	return len(c.messages)
}

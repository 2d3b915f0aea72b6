package engine

import (
	"fmt"
	"strings"

	"tgiedit/client/openai"
	"tgiedit/types"
)

const (
	DefaultInlineSystemPrompt = "You are a helpful coding assistant. Return only code with comments in the code."
	DefaultChatSystemPrompt   = "You are a helpful assistant."
	DefaultChatTitle          = "Chat Window"

	userPrefix      = "User: "
	assistantPrefix = "Assistant: "
)

// inlineMessages builds the conversation for an inline edit. The selected
// text follows the prompt after a blank line.
func inlineMessages(system, prompt, selected string) []types.Message {
	content := prompt
	if selected != "" {
		content = prompt + "\n\n" + selected
	}
	return []types.Message{
		{Role: types.RoleSystem, Content: system},
		{Role: types.RoleUser, Content: content},
	}
}

// selectedText joins the lines of rng
func selectedText(lines []string, rng types.Range) (string, error) {
	if !rng.Valid() || rng.End > len(lines) {
		return "", fmt.Errorf("range %d-%d outside document of %d lines", rng.Start, rng.End, len(lines))
	}
	return strings.Join(lines[rng.Start-1:rng.End], "\n"), nil
}

// chatLines renders a prompt as transcript lines followed by the empty
// assistant line the reply streams into
func chatLines(prompt string) []string {
	parts := strings.Split(strings.TrimRight(prompt, "\n"), "\n")
	lines := make([]string, 0, len(parts)+1)
	lines = append(lines, userPrefix+parts[0])
	lines = append(lines, parts[1:]...)
	return append(lines, assistantPrefix)
}

// transcriptMessages rebuilds the conversation from a chat transcript.
// Lines without a role prefix continue the message above them; lines before
// the first prefix are ignored. A trailing empty assistant message is the
// placeholder for the reply being requested and is dropped.
func transcriptMessages(system string, lines []string) []types.Message {
	messages := []types.Message{{Role: types.RoleSystem, Content: system}}

	var current *types.Message
	flush := func() {
		if current != nil {
			current.Content = strings.TrimRight(current.Content, "\n")
			messages = append(messages, *current)
			current = nil
		}
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, userPrefix):
			flush()
			current = &types.Message{Role: types.RoleUser, Content: line[len(userPrefix):]}
		case strings.HasPrefix(line, assistantPrefix):
			flush()
			current = &types.Message{Role: types.RoleAssistant, Content: line[len(assistantPrefix):]}
		case current != nil:
			current.Content += "\n" + line
		}
	}
	flush()

	if last := messages[len(messages)-1]; last.Role == types.RoleAssistant && strings.TrimSpace(last.Content) == "" {
		messages = messages[:len(messages)-1]
	}
	return messages
}

func (e *Engine) chatRequest(messages []types.Message) *openai.ChatRequest {
	return &openai.ChatRequest{
		Model:     e.config.Generation.Model,
		Messages:  messages,
		MaxTokens: e.config.Generation.MaxTokens,
	}
}

package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model    string
	Messages []ChatMessage
	Stream   bool
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model    string        `json:"model"`
		Messages []ChatMessage `json:"messages"`
		Stream   bool          `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
	Name    string
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// BuildPrompt flattens the conversation into the single role-tagged message
// the upstream conversation endpoint expects.
func BuildPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "\n[[%s]]\n%s", msg.Role, msg.Content)
	}
	return strings.TrimPrefix(b.String(), "\n")
}

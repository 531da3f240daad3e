package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire format notes: field names are camelCase, content blocks carry a
// "type" discriminator, and messages carry a "role" discriminator. Every
// type here must survive a marshal/unmarshal round trip unchanged.

// UserBlocks is a list of user content blocks with polymorphic decoding.
type UserBlocks []UserBlock

// AssistantBlocks is a list of assistant content blocks with polymorphic
// decoding.
type AssistantBlocks []AssistantBlock

// Messages is a list of conversation messages with polymorphic decoding.
type Messages []Message

func (c *TextContent) MarshalJSON() ([]byte, error) {
	type alias TextContent
	return json.Marshal(struct {
		Type ContentType `json:"type"`
		*alias
	}{Type: ContentTypeText, alias: (*alias)(c)})
}

func (c *ImageContent) MarshalJSON() ([]byte, error) {
	type alias ImageContent
	return json.Marshal(struct {
		Type ContentType `json:"type"`
		*alias
	}{Type: ContentTypeImage, alias: (*alias)(c)})
}

func (c *ThinkingContent) MarshalJSON() ([]byte, error) {
	type alias ThinkingContent
	return json.Marshal(struct {
		Type ContentType `json:"type"`
		*alias
	}{Type: ContentTypeThinking, alias: (*alias)(c)})
}

func (c *ToolCall) MarshalJSON() ([]byte, error) {
	type alias ToolCall
	out := *c
	if out.Arguments == nil {
		out.Arguments = map[string]any{}
	}
	return json.Marshal(struct {
		Type ContentType `json:"type"`
		*alias
	}{Type: ContentTypeToolCall, alias: (*alias)(&out)})
}

func contentTypeOf(data []byte) (ContentType, error) {
	var probe struct {
		Type ContentType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}

// UnmarshalUserBlock decodes one user content block by its type tag.
func UnmarshalUserBlock(data []byte) (UserBlock, error) {
	typ, err := contentTypeOf(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case ContentTypeText:
		var block TextContent
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return &block, nil
	case ContentTypeImage:
		var block ImageContent
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return &block, nil
	default:
		return nil, fmt.Errorf("unknown user content type %q", typ)
	}
}

// UnmarshalAssistantBlock decodes one assistant content block by its type
// tag.
func UnmarshalAssistantBlock(data []byte) (AssistantBlock, error) {
	typ, err := contentTypeOf(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case ContentTypeText:
		var block TextContent
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return &block, nil
	case ContentTypeThinking:
		var block ThinkingContent
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return &block, nil
	case ContentTypeToolCall:
		var block ToolCall
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		if block.Arguments == nil {
			block.Arguments = map[string]any{}
		}
		return &block, nil
	default:
		return nil, fmt.Errorf("unknown assistant content type %q", typ)
	}
}

func (b *UserBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(UserBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalUserBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

func (b *AssistantBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(AssistantBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalAssistantBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

func (c UserContent) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

func (c *UserContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*c = UserContent{}
		return nil
	}
	if trimmed[0] == '[' {
		c.Text = ""
		return json.Unmarshal(trimmed, &c.Blocks)
	}
	c.Blocks = nil
	return json.Unmarshal(trimmed, &c.Text)
}

func (m *UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	return json.Marshal(struct {
		Role Role `json:"role"`
		*alias
	}{Role: RoleUser, alias: (*alias)(m)})
}

func (m *UserMessage) UnmarshalJSON(data []byte) error {
	type alias UserMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = UserMessage(a)
	return nil
}

func (m *AssistantMessage) MarshalJSON() ([]byte, error) {
	type alias AssistantMessage
	return json.Marshal(struct {
		Role Role `json:"role"`
		*alias
	}{Role: RoleAssistant, alias: (*alias)(m)})
}

func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	type alias AssistantMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = AssistantMessage(a)
	return nil
}

func (m *ToolResultMessage) MarshalJSON() ([]byte, error) {
	type alias ToolResultMessage
	out := *m
	if out.Content == nil {
		out.Content = UserBlocks{}
	}
	return json.Marshal(struct {
		Role Role `json:"role"`
		*alias
	}{Role: RoleToolResult, alias: (*alias)(&out)})
}

func (m *ToolResultMessage) UnmarshalJSON(data []byte) error {
	type alias ToolResultMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ToolResultMessage(a)
	return nil
}

// UnmarshalMessage decodes one message by its role tag.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Role Role `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Role {
	case RoleUser:
		var msg UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case RoleAssistant:
		var msg AssistantMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case RoleToolResult:
		var msg ToolResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", probe.Role)
	}
}

func (m *Messages) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Messages, 0, len(raws))
	for _, raw := range raws {
		msg, err := UnmarshalMessage(raw)
		if err != nil {
			return err
		}
		out = append(out, msg)
	}
	*m = out
	return nil
}

package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a turn may carry.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Image is either a remote reference (URL) or inline bytes. Inline bytes win
// when both are present.
type Image struct {
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

// Inline reports whether the image carries its own bytes.
func (i Image) Inline() bool { return len(i.Data) > 0 }

// Part is one typed piece of turn content.
type Part struct {
	Type  PartType `json:"type"`
	Text  string   `json:"text,omitempty"`
	Image *Image   `json:"image,omitempty"`
}

func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

func ImagePart(img Image) Part { return Part{Type: PartImage, Image: &img} }

// Turn is one canonical message of the prompt sent to a generator.
type Turn struct {
	Role      Role
	Parts     []Part
	CreatedAt time.Time
}

// Text joins the turn's text parts with newlines.
func (t Turn) Text() string {
	return partsText(t.Parts)
}

func partsText(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Content is the two-variant union a client may send as message content:
// PlainText or StructuredParts.
type Content interface {
	// Parts returns the content as an ordered list of typed parts.
	Parts() []Part
	isContent()
}

// PlainText is content sent as a single JSON string.
type PlainText string

func (t PlainText) Parts() []Part { return []Part{TextPart(string(t))} }
func (PlainText) isContent()      {}

// StructuredParts is content sent as a JSON array of parts.
type StructuredParts []Part

func (s StructuredParts) Parts() []Part { return append([]Part(nil), s...) }
func (StructuredParts) isContent()      {}

// ContentText extracts the text of either content variant.
func ContentText(c Content) string {
	if c == nil {
		return ""
	}
	if t, ok := c.(PlainText); ok {
		return string(t)
	}
	return partsText(c.Parts())
}

// ChatMessage is a message as received from the client.
type ChatMessage struct {
	Role    Role
	Content Content
}

// Text returns the message text regardless of its content variant.
func (m ChatMessage) Text() string { return ContentText(m.Content) }

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
	Parts   json.RawMessage `json:"parts"`
}

type wirePart struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Image json.RawMessage `json:"image"`
	URL   string          `json:"url"`
}

func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("domain: decode message: %w", err)
	}
	if w.Role == "" {
		return errors.New("domain: message role is required")
	}
	if !w.Role.Valid() {
		return fmt.Errorf("domain: unknown message role %q", w.Role)
	}
	raw := w.Content
	if isNull(raw) {
		raw = w.Parts
	}
	content, err := decodeContent(raw)
	if err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = content
	return nil
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}{Role: m.Role}
	switch c := m.Content.(type) {
	case nil:
		out.Content = ""
	case PlainText:
		out.Content = string(c)
	default:
		out.Content = c.Parts()
	}
	return json.Marshal(out)
}

func decodeContent(raw json.RawMessage) (Content, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return PlainText(""), nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("domain: decode text content: %w", err)
		}
		return PlainText(s), nil
	case '[':
		var wire []wirePart
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("domain: decode content parts: %w", err)
		}
		parts := make(StructuredParts, 0, len(wire))
		for _, wp := range wire {
			p, ok, err := wp.part()
			if err != nil {
				return nil, err
			}
			if ok {
				parts = append(parts, p)
			}
		}
		return parts, nil
	default:
		return nil, errors.New("domain: content must be a string or an array of parts")
	}
}

// part converts a wire part; unknown part types are skipped.
func (wp wirePart) part() (Part, bool, error) {
	switch wp.Type {
	case string(PartText):
		return TextPart(wp.Text), true, nil
	case string(PartImage), "image_url":
		img := Image{URL: wp.URL}
		raw := bytes.TrimSpace(wp.Image)
		if !isNull(raw) {
			if raw[0] == '"' {
				if err := json.Unmarshal(raw, &img.URL); err != nil {
					return Part{}, false, fmt.Errorf("domain: decode image part: %w", err)
				}
			} else if err := json.Unmarshal(raw, &img); err != nil {
				return Part{}, false, fmt.Errorf("domain: decode image part: %w", err)
			}
		}
		if img.URL == "" {
			return Part{}, false, nil
		}
		return ImagePart(img), true, nil
	}
	return Part{}, false, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Attachment is a file the client uploaded and attached to its latest turn.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
	// DataURL optionally carries the image bytes inline as a data: URL.
	DataURL string `json:"dataUrl,omitempty"`
}

// IsImage reports whether the attachment should be sent to the model as an image.
func (a Attachment) IsImage() bool {
	mt := strings.ToLower(strings.TrimSpace(a.MIMEType))
	return strings.HasPrefix(mt, "image/") ||
		strings.HasPrefix(a.DataURL, "data:image/") ||
		strings.HasPrefix(a.URL, "data:image/")
}

// Budget is a model's token allowance.
type Budget struct {
	MaxInputTokens     int
	ReserveForResponse int
}

// Usable is the allowance left for history, floored at zero.
func (b Budget) Usable() int {
	if n := b.MaxInputTokens - b.ReserveForResponse; n > 0 {
		return n
	}
	return 0
}

package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// TitleMaxRunes bounds thread titles derived from user text.
	TitleMaxRunes = 60
	DefaultTitle  = "New chat"
)

// Thread is a durable conversation container.
type Thread struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Message is a single persisted conversation turn.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	Owner       string       `json:"owner"`
	Role        Role         `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Text joins the message's text parts.
func (m Message) Text() string { return partsText(m.Parts) }

// Title derives a thread title from user text: whitespace collapsed and
// truncated to TitleMaxRunes runes.
func Title(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(t) <= TitleMaxRunes {
		return t
	}
	r := []rune(t)
	return string(r[:TitleMaxRunes])
}

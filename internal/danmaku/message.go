package danmaku

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	TypeText  = "text"
	TypeEmote = "emote"
)

var (
	ErrEmptyContent   = errors.New("text message has no content")
	ErrMissingEmote   = errors.New("emote message has no emote reference")
	ErrContentTooLong = errors.New("content too long")
)

var validate = validator.New()

// EmoteRef points at a structured emote. It is never scanned by the word filter.
type EmoteRef struct {
	ID   string `json:"id"             validate:"required,max=64"`
	Name string `json:"name,omitempty" validate:"max=64"`
	URL  string `json:"url,omitempty"  validate:"omitempty,url"`
}

// Payload is the raw danmaku as sent by a client.
type Payload struct {
	SenderID string    `json:"sender_id"       validate:"required,max=128"`
	Content  string    `json:"content"`
	Type     string    `json:"type"            validate:"oneof=text emote"`
	Color    string    `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Emote    *EmoteRef `json:"emote,omitempty"`
}

// HasText reports whether the payload carries textual content worth filtering.
func (p *Payload) HasText() bool {
	return strings.TrimSpace(p.Content) != ""
}

// Validate checks the payload shape; maxLen is measured in runes, 0 disables the check.
func (p *Payload) Validate(maxLen int) error {
	if p.Type == "" {
		p.Type = TypeText
	}
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.Emote != nil {
		if err := validate.Struct(p.Emote); err != nil {
			return err
		}
	}
	switch p.Type {
	case TypeText:
		if !p.HasText() {
			return ErrEmptyContent
		}
	case TypeEmote:
		if p.Emote == nil {
			return ErrMissingEmote
		}
	}
	if maxLen > 0 && utf8.RuneCountInString(p.Content) > maxLen {
		return fmt.Errorf("%w: %d > %d runes", ErrContentTooLong, utf8.RuneCountInString(p.Content), maxLen)
	}
	return nil
}

// PendingMessage lives in a room queue until the admission pipeline is done with it.
// ConnID is only used to address a rejection notice; it may be empty.
type PendingMessage struct {
	ConnID     string
	RoomID     string
	Payload    Payload
	EnqueuedAt time.Time
}

// FinalizedMessage is the unit broadcast to a room. Do not mutate after creation.
type FinalizedMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content,omitempty"`
	Type      string    `json:"type"`
	Color     string    `json:"color,omitempty"`
	Emote     *EmoteRef `json:"emote,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Rejection is the body of the notice sent back to the originating connection.
type Rejection struct {
	RoomID  string `json:"room_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
}

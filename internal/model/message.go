package model

import (
	"time"

	"github.com/google/uuid"
)

// Sender обозначает автора сообщения в диалоге
type Sender string

// Возможные отправители сообщений
const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// Message представляет один ход в диалоге с персонажем
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Emotion   string    `json:"emotion,omitempty"` // Заполняется только для sender=ai
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage создает новое сообщение с уникальным ID.
// ID включает момент создания, поэтому сообщения различимы по порядку появления.
func NewMessage(sender Sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// NewAIMessage создает сообщение от персонажа с выбранной эмоцией.
func NewAIMessage(text, emotion string) Message {
	msg := NewMessage(SenderAI, text)
	msg.Emotion = emotion
	return msg
}

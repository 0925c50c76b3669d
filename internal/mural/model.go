package mural

import (
	"errors"
	"strings"
)

// DefaultAuthorName labels posts from users without a display name.
const DefaultAuthorName = "Anônimo"

const maxMessageLength = 2000

var (
	// ErrEmptyMessage indicates a post whose text is blank.
	ErrEmptyMessage = errors.New("mural: message text required")
	// ErrMessageTooLong indicates a post beyond the accepted length.
	ErrMessageTooLong = errors.New("mural: message too long")
	// ErrMissingAuthor indicates a post without an author id.
	ErrMissingAuthor = errors.New("mural: author required")
)

// Message is one post on the community wall.
type Message struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	Text             string `gorm:"column:text;type:text;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	UserName         string `gorm:"column:user_name;size:120;not null"`
	UserPhotoURL     string `gorm:"column:user_photo_url;size:512;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_mural_messages_created"`
}

// TableName binds the model to the message wall table.
func (Message) TableName() string {
	return "mural_messages"
}

// Author identifies the poster and the profile details copied onto the post.
type Author struct {
	UserID      string
	DisplayName string
	PhotoURL    string
}

func (a Author) name() string {
	if name := strings.TrimSpace(a.DisplayName); name != "" {
		return name
	}
	return DefaultAuthorName
}

// View is a message as seen by a particular reader.
type View struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	PhotoURL  string `json:"user_photo_url,omitempty"`
	CreatedAt int64  `json:"created_at"`
	IsMine    bool   `json:"is_mine"`
}

// ViewFor marks whether the reader wrote the message.
func (m Message) ViewFor(readerID string) View {
	return View{
		ID:        m.MessageID,
		Text:      m.Text,
		UserID:    m.UserID,
		UserName:  m.UserName,
		PhotoURL:  m.UserPhotoURL,
		CreatedAt: m.CreatedAtSeconds,
		IsMine:    readerID != "" && readerID == m.UserID,
	}
}

// ChangeNotice announces that the wall has a new post.
type ChangeNotice struct {
	MessageID string `json:"message_id"`
	At        int64  `json:"at"`
}

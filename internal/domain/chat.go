package domain

import (
	"sort"
	"time"
)

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage - состояние сообщения в рабочем наборе и в хранилище.
// ID неизменяем после назначения; удаленное сообщение хранится как tombstone с пустым Text.
type ChatMessage struct {
	ID          string              `json:"id"`
	Channel     ChannelID           `json:"-"`
	SenderID    string              `json:"senderId"`
	Text        string              `json:"content"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	Edited      bool                `json:"edited"`
	Deleted     bool                `json:"deleted"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	// ServerStamped: UpdatedAt назначен сервером, а не локальными часами
	ServerStamped bool `json:"serverStamped"`
}

func (m *ChatMessage) Clone() *ChatMessage {
	if m == nil {
		return nil
	}
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &out
}

// SetReaction добавляет или снимает реакцию пользователя; возвращает true, если набор изменился
func (m *ChatMessage) SetReaction(emoji, userID string, add bool) bool {
	users := m.Reactions[emoji]
	idx := sort.SearchStrings(users, userID)
	present := idx < len(users) && users[idx] == userID
	switch {
	case add && !present:
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		users = append(users, "")
		copy(users[idx+1:], users[idx:])
		users[idx] = userID
		m.Reactions[emoji] = users
		return true
	case !add && present:
		users = append(users[:idx], users[idx+1:]...)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return true
	default:
		return false
	}
}

func (m *ChatMessage) HasReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	idx := sort.SearchStrings(users, userID)
	return idx < len(users) && users[idx] == userID
}

// SortMessages упорядочивает по времени создания, при равенстве - по id
func SortMessages(msgs []ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

package engine

import (
	"chat_sync/internal/domain"
)

// Merge применяет событие к текущему состоянию сообщения и возвращает новое состояние.
// cur не изменяется. changed == false - событие уже учтено (повторная доставка).
//
// Правила:
//   - delete необратим: tombstone снимает только edit со строго большим updatedAt;
//   - серверная отметка времени важнее локальной, локальная побеждает серверную
//     только если строго новее;
//   - в остальном побеждает строго больший updatedAt;
//   - реакции применяются в порядке прихода, к tombstone не применяются.
func Merge(cur *domain.ChatMessage, ev domain.ChatEvent) (*domain.ChatMessage, bool) {
	if cur == nil {
		return fromEvent(ev), true
	}

	next := cur.Clone()
	changed := fillMetadata(next, ev)

	switch ev.Type {
	case domain.CommandSend:
		if next.Deleted {
			break
		}
		if next.Edited && ev.ServerStamped && !next.ServerStamped && ev.Text == next.Text {
			// правка из outbox ушла внутри SEND: на сервере сообщение не редактировалось
			next.Edited = false
		}
		if !next.Edited && supersedes(ev, next) {
			if ev.Text != "" && next.Text != ev.Text {
				next.Text = ev.Text
			}
			if !ev.CreatedAt.IsZero() {
				next.CreatedAt = ev.CreatedAt
			}
			next.UpdatedAt = ev.UpdatedAt
			next.ServerStamped = ev.ServerStamped
			changed = true
		} else if ev.ServerStamped && !next.ServerStamped && !ev.CreatedAt.IsZero() && !next.CreatedAt.Equal(ev.CreatedAt) {
			// время создания назначает сервер, даже если текст уже отредактирован
			next.CreatedAt = ev.CreatedAt
			if next.UpdatedAt.Before(next.CreatedAt) {
				// правка не может быть старше создания
				next.UpdatedAt = next.CreatedAt
			}
			changed = true
		}

	case domain.CommandEdit:
		if !supersedes(ev, next) {
			break
		}
		textChanged := next.Text != ev.Text
		next.Text = ev.Text
		next.UpdatedAt = ev.UpdatedAt
		next.ServerStamped = ev.ServerStamped
		next.Deleted = false
		if textChanged && next.UpdatedAt.After(next.CreatedAt) {
			next.Edited = true
		}
		changed = true

	case domain.CommandDelete:
		if !next.Deleted || next.Text != "" {
			next.Deleted = true
			next.Text = ""
			changed = true
		}
		switch {
		case ev.ServerStamped && !next.ServerStamped:
			// серверная отметка заменяет локальную, даже если она раньше
			next.UpdatedAt = ev.UpdatedAt
			next.ServerStamped = true
			changed = true
		case ev.UpdatedAt.After(next.UpdatedAt):
			next.UpdatedAt = ev.UpdatedAt
			next.ServerStamped = ev.ServerStamped
			changed = true
		}

	case domain.CommandReact:
		if next.Deleted || ev.Emoji == "" || ev.SenderID == "" {
			break
		}
		if next.SetReaction(ev.Emoji, ev.SenderID, ev.Add) {
			changed = true
		}
	}

	if !changed {
		return cur, false
	}
	return next, true
}

// supersedes: вытесняет ли событие текущее состояние
func supersedes(ev domain.ChatEvent, cur *domain.ChatMessage) bool {
	if !cur.Deleted && ev.ServerStamped && !cur.ServerStamped {
		return true
	}
	return ev.UpdatedAt.After(cur.UpdatedAt)
}

// fillMetadata заполняет пропущенные поля частичной записи; send несет авторство и вложения
func fillMetadata(msg *domain.ChatMessage, ev domain.ChatEvent) bool {
	changed := false
	if msg.Channel.IsZero() && !ev.Channel.IsZero() {
		msg.Channel = ev.Channel
		changed = true
	}
	switch ev.Type {
	case domain.CommandSend, domain.CommandEdit:
		if msg.SenderID == "" && ev.SenderID != "" {
			msg.SenderID = ev.SenderID
			changed = true
		}
	}
	if ev.Type == domain.CommandSend {
		if msg.CreatedAt.IsZero() && !ev.CreatedAt.IsZero() {
			msg.CreatedAt = ev.CreatedAt
			changed = true
		}
		if len(msg.Attachments) == 0 && len(ev.Attachments) > 0 {
			msg.Attachments = append([]domain.Attachment(nil), ev.Attachments...)
			changed = true
		}
	}
	return changed
}

// fromEvent создает запись из первого события о сообщении; для edit/delete/react - частичную
func fromEvent(ev domain.ChatEvent) *domain.ChatMessage {
	msg := &domain.ChatMessage{
		ID:            ev.MessageID,
		Channel:       ev.Channel,
		UpdatedAt:     ev.UpdatedAt,
		ServerStamped: ev.ServerStamped,
	}

	switch ev.Type {
	case domain.CommandSend:
		msg.SenderID = ev.SenderID
		msg.Text = ev.Text
		msg.CreatedAt = ev.CreatedAt
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = ev.UpdatedAt
		}
		if len(ev.Attachments) > 0 {
			msg.Attachments = append([]domain.Attachment(nil), ev.Attachments...)
		}
	case domain.CommandEdit:
		msg.SenderID = ev.SenderID
		msg.Text = ev.Text
		msg.Edited = true
	case domain.CommandDelete:
		msg.Deleted = true
	case domain.CommandReact:
		if ev.Emoji != "" && ev.SenderID != "" {
			msg.SetReaction(ev.Emoji, ev.SenderID, ev.Add)
		}
	}
	return msg
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Action string

const (
	ActionSend   Action = "SEND"
	ActionEdit   Action = "EDIT"
	ActionDelete Action = "DELETE"
	ActionReact  Action = "REACT"
	ActionJoin   Action = "JOIN"
	ActionLeave  Action = "LEAVE"
)

type EnvelopeType string

const (
	EnvelopeCommand EnvelopeType = "command"
	EnvelopeAck     EnvelopeType = "ack"
	EnvelopeEvent   EnvelopeType = "event"
)

// Envelope - JSON-конверт транспорта. Ack повторяет action исходной команды
// и добавляет success/error.
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	Action      Action       `json:"action"`
	MessageID   string       `json:"messageId,omitempty"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId,omitempty"`
	Content     string       `json:"content,omitempty"`
	Emoji       string       `json:"emoji,omitempty"`
	Add         bool         `json:"add,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"timestamp"`
	CreatedAt   int64        `json:"createdAt,omitempty"`
	Success     bool         `json:"success,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"errorCode,omitempty"`
}

func (a Action) Valid() bool {
	switch a {
	case ActionSend, ActionEdit, ActionDelete, ActionReact, ActionJoin, ActionLeave:
		return true
	}
	return false
}

func (a Action) IsMessageCommand() bool {
	switch a {
	case ActionSend, ActionEdit, ActionDelete, ActionReact:
		return true
	}
	return false
}

func ActionFor(c CommandType) Action {
	return Action(c)
}

// AckKey коррелирует команду и ее ack. Для REACT в ключ входит emoji,
// чтобы две реакции на одно сообщение не путались.
func AckKey(action Action, roomID, messageID, emoji string) string {
	key := string(action) + "|" + roomID + "|" + messageID
	if action == ActionReact {
		key += "|" + emoji
	}
	return key
}

func (e Envelope) AckKey() string {
	return AckKey(e.Action, e.RoomID, e.MessageID, e.Emoji)
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeCommand, EnvelopeAck, EnvelopeEvent:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if e.Action.IsMessageCommand() && e.MessageID == "" {
		return fmt.Errorf("messageId is required for %s", e.Action)
	}
	return nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CommandEnvelope строит конверт команды из записи outbox
func CommandEnvelope(entry OutboxEntry) Envelope {
	return Envelope{
		Type:        EnvelopeCommand,
		Action:      ActionFor(entry.CommandType),
		MessageID:   entry.MessageID,
		RoomID:      entry.ChannelKey,
		SenderID:    entry.Payload.SenderID,
		Content:     entry.Payload.Text,
		Emoji:       entry.Payload.Emoji,
		Add:         entry.Payload.Add,
		Attachments: entry.Payload.Attachments,
		Timestamp:   Millis(entry.Payload.Timestamp),
	}
}

// EventFromEnvelope переводит входящее событие комнаты в ChatEvent
func EventFromEnvelope(env Envelope) (ChatEvent, error) {
	ch, err := ParseChannelKey(env.RoomID)
	if err != nil {
		return ChatEvent{}, err
	}
	if !env.Action.IsMessageCommand() {
		return ChatEvent{}, fmt.Errorf("action %s is not a message event", env.Action)
	}
	updated := FromMillis(env.Timestamp)
	created := FromMillis(env.CreatedAt)
	if created.IsZero() && env.Action == ActionSend {
		created = updated
	}
	return ChatEvent{
		Type:          CommandType(env.Action),
		Channel:       ch,
		MessageID:     env.MessageID,
		SenderID:      env.SenderID,
		Text:          env.Content,
		Emoji:         env.Emoji,
		Add:           env.Add,
		Attachments:   env.Attachments,
		CreatedAt:     created,
		UpdatedAt:     updated,
		ServerStamped: true,
	}, nil
}

package domain

import (
	"time"
)

type CommandType string

const (
	CommandSend   CommandType = "SEND"
	CommandEdit   CommandType = "EDIT"
	CommandDelete CommandType = "DELETE"
	CommandReact  CommandType = "REACT"
)

func (c CommandType) Valid() bool {
	switch c {
	case CommandSend, CommandEdit, CommandDelete, CommandReact:
		return true
	}
	return false
}

// CommandPayload - изменяемая часть команды
type CommandPayload struct {
	SenderID    string       `json:"senderId,omitempty"`
	Text        string       `json:"content,omitempty"`
	Emoji       string       `json:"emoji,omitempty"`
	Add         bool         `json:"add,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// OutboxEntry - команда, ожидающая доставки.
// Seq задает порядок постановки (FIFO), InFlight - запись сейчас отправляется replay-циклом.
type OutboxEntry struct {
	Seq           uint64         `json:"seq"`
	CommandType   CommandType    `json:"commandType"`
	MessageID     string         `json:"messageId"`
	ChannelKey    string         `json:"channelId"`
	Payload       CommandPayload `json:"payload"`
	EnqueuedAt    time.Time      `json:"enqueuedAt"`
	AttemptCount  int            `json:"attemptCount"`
	LastAttemptAt time.Time      `json:"lastAttemptAt,omitempty"`
	InFlight      bool           `json:"-"`
}

func (e OutboxEntry) Channel() (ChannelID, error) {
	return ParseChannelKey(e.ChannelKey)
}

// PendingAck связывает отправленную команду с ожидаемым подтверждением
type PendingAck struct {
	MessageID   string
	CommandType Action
	SentAt      time.Time
	TimeoutAt   time.Time
	Epoch       uint64
}

// ChatEvent - изменение сообщения, пришедшее из транспорта или созданное локально
type ChatEvent struct {
	Type        CommandType
	Channel     ChannelID
	MessageID   string
	SenderID    string
	Text        string
	Emoji       string
	Add         bool
	Attachments []Attachment
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// ServerStamped: UpdatedAt/CreatedAt назначены сервером
	ServerStamped bool
}

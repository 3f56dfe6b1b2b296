package transport

import (
	"context"

	"chat_sync/internal/domain"
)

// Conn - одно установленное соединение с сервером чата.
// Send безопасен для конкурентного вызова, Receive читается одной горутиной.
// Receive возвращает ошибку KindProtocol на битый конверт (соединение живо)
// и ошибку KindConnection, когда соединение потеряно.
type Conn interface {
	Send(ctx context.Context, env domain.Envelope) error
	Receive() (domain.Envelope, error)
	Close() error
}

// Dialer открывает соединение. Отказ авторизации - фатальная ошибка KindConnection.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

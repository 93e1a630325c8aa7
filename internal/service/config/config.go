package config

import "time"

type Config struct {
	// ожидание отправки уведомления после фиксации транзакции
	NotifyTimeout time.Duration
}

package config

import "time"

type Config struct {
	// рефералов за один запуск сверки
	ReleaseBatch int
	// окно активности для пересчета оценки риска
	FraudWindow time.Duration
	// ожидание отправки одного уведомления
	NotifyTimeout time.Duration
}

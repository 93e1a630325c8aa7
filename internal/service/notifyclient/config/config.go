package config

import "time"

type Config struct {
	// адрес сервиса уведомлений магазина (HTTP)
	Addr string
	// при заданных брокерах уведомления публикуются в Kafka
	KafkaBrokers []string
	KafkaTopic   string
	Timeout      time.Duration
}

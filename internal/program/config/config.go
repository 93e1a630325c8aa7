package config

import "time"

type Config struct {
	// время жизни настроек в кэше процесса
	CacheTTL time.Duration
	// общий кэш Redis (host:port или redis://...), пусто - без него
	RedisAddr string
}

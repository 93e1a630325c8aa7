package config

type Config struct {
	// cron выражение с секундами, пусто - планировщик выключен
	DailySpec string
}

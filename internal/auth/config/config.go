package config

type Config struct {
	// ключ подписи JWT, пусто - проверка выключена
	SecretKey string
}

package config

type Config struct {
	DBDsn    string
	MaxConns int32
}

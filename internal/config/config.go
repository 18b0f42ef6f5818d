package config

import "fmt"

type Config struct {
	ServerAddr     string
	RedisAddr      string
	AllowedOrigins []string
}

func NewConfig(serverAddr, redisAddr string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if redisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	return &Config{
		ServerAddr:     serverAddr,
		RedisAddr:      redisAddr,
		AllowedOrigins: allowedOrigins,
	}, nil
}

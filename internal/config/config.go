package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisAddr      string
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig validates and assembles the server configuration. redisAddr
// may be empty, in which case message fan-out stays in-process and the
// server cannot be scaled beyond one instance.
func NewConfig(serverAddr, databaseDSN, redisAddr, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		RedisAddr:      redisAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

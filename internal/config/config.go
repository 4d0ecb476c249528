package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config 聚合中继服务与客户端同步引擎的配置项。
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"z-bazaar"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Server  ServerConfig
	Channel ChannelConfig
	History HistoryConfig
	Auth    AuthConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Addr 由 Port 推导，不直接读取环境变量。
	Addr string
}

// ChannelConfig 描述推送通道（WebSocket）连接参数。
type ChannelConfig struct {
	URL               string        `env:"CHAT_CHANNEL_URL" envDefault:"ws://localhost:8080/ws"`
	Token             string        `env:"CHAT_TOKEN"`
	ViewerID          string        `env:"CHAT_VIEWER_ID"`
	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"1s"`
	PingInterval      time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`
	HandshakeTimeout  time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

// HistoryConfig 描述 REST 历史接口配置。
type HistoryConfig struct {
	BaseURL string        `env:"CHAT_API_URL" envDefault:"http://localhost:8080/api"`
	Timeout time.Duration `env:"CHAT_HISTORY_TIMEOUT" envDefault:"15s"`
}

// AuthConfig 描述中继服务的鉴权配置。JWTSecret 为空时令牌本身即视为用户 ID（开发模式）。
type AuthConfig struct {
	JWTSecret string        `env:"AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	addr, err := resolveAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if cfg.Channel.ReconnectAttempts < 1 {
		cfg.Channel.ReconnectAttempts = 1
	}
	if cfg.Channel.ReconnectDelay < 0 {
		return nil, fmt.Errorf("invalid CHAT_RECONNECT_DELAY value %q", cfg.Channel.ReconnectDelay)
	}

	cfg.Channel.URL = strings.TrimSpace(cfg.Channel.URL)
	cfg.History.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.History.BaseURL), "/")

	return cfg, nil
}

// resolveAddr 解析服务器监听地址。
func resolveAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

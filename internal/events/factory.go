package events

import (
	"fmt"
	"strings"
)

// Config 选择事件传输方式。
type Config struct {
	Driver   string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open 根据驱动创建事件总线，默认使用内存实现。
func Open(cfg Config) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryBus(cfg.Buffer), nil
	case "redis":
		return NewRedisBus(cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQBus(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}

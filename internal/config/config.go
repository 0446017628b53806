package config

import (
	"time"
)

type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type BrokerConfig struct {
	URL                    string        `mapstructure:"url"`
	EventExchange          string        `mapstructure:"event_exchange"`
	ReminderExchange       string        `mapstructure:"reminder_exchange"`
	DeadLetterExchange     string        `mapstructure:"dead_letter_exchange"`
	DelayedExchangeEnabled bool          `mapstructure:"delayed_exchange_enabled"`
	PublisherConfirms      bool          `mapstructure:"publisher_confirms"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries         int           `mapstructure:"connect_retries"`
}

type ConsumerConfig struct {
	Prefetch       int           `mapstructure:"prefetch"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type RPCConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	GuestContactQueue string        `mapstructure:"guest_contact_queue"`
}

type ReminderConfig struct {
	DeclareRate  float64 `mapstructure:"declare_rate"`
	DeclareBurst int     `mapstructure:"declare_burst"`
}

type PublisherConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

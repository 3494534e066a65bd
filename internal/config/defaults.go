package config

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.filebot",
			LogLevel: "info",
		},
		Telegram: TelegramConfig{
			Mode:         "polling",
			PollTimeout:  60,
			FetchTimeout: 30 * time.Second,
			MaxFileBytes: 20 << 20,
			SendRate:     25,
		},
		Broker: BrokerConfig{
			BufferSize:     256,
			PublishTimeout: 5 * time.Second,
			Workers:        4,
		},
		Storage: StorageConfig{
			SQLitePath:     "~/.filebot/filebot.db",
			ContentBackend: "sqlite",
			BadgerDir:      "~/.filebot/content",
			MongoDatabase:  "filebot",
		},
		Codec: CodecConfig{
			KeyID: 1,
		},
		Links: LinksConfig{
			Host: "localhost:8080",
		},
		Mail: MailConfig{
			Enabled: false,
			Port:    587,
			TLS:     "mandatory",
			Timeout: 10 * time.Second,
		},
		Web: WebConfig{
			Enabled:       true,
			Listen:        ":8080",
			RatePerMinute: 120,
			Burst:         20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// NewSecret returns a random codec secret for freshly initialised configs.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package config

import (
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"EASYMAIL_DB_URI" envDefault:"./easymail.sqlite"`

	APIPort int `env:"EASYMAIL_API_PORT" envDefault:"8080"`

	// Base URL of the employee directory service, eg http://directory.internal:9000
	DirectoryURL string `env:"EASYMAIL_DIRECTORY_URL"`

	AttachmentsDir string `env:"EASYMAIL_ATTACHMENTS_DIR" envDefault:"./attachments"`

	Workers int `env:"EASYMAIL_WORKERS" envDefault:"10"`

	// Domains test sends may target, "*" allows any.
	InternalDomains []string `env:"EASYMAIL_INTERNAL_DOMAINS" envSeparator:"," envDefault:"*"`

	// Return-path domain for bounce intake, eg bounce.example.com. The bounce
	// listener is disabled when empty.
	BounceDomain string `env:"EASYMAIL_BOUNCE_DOMAIN"`
	BouncePort   int    `env:"EASYMAIL_BOUNCE_PORT" envDefault:"2525"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}

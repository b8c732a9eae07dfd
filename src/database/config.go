package database

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// EnableDB switches the optional trade mirror on. The JSON ledger is
	// always written; the database is reporting convenience only.
	EnableDB     bool   `envconfig:"ENABLE_DB" default:"false"`
	DatabaseURL  string `envconfig:"DATABASE_URL" default:"data/farmer.db"`
	GormLogLevel int    `envconfig:"GORM_LOG_LEVEL" default:"2"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

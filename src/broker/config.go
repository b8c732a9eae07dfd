package broker

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BaseURL       string `envconfig:"BYBIT_API_BASE_URL" default:"https://api.bybit.com"`
	APIKey        string `envconfig:"BYBIT_API_KEY" default:""`
	APISecret     string `envconfig:"BYBIT_API_SECRET" default:""`
	APIKeyEnc     string `envconfig:"BYBIT_API_KEY_ENC" default:""`
	APISecretEnc  string `envconfig:"BYBIT_API_SECRET_ENC" default:""`
	RecvWindowMS int    `envconfig:"RECV_WINDOW_MS" default:"5000"`
	DryRun       bool   `envconfig:"DRY_RUN" default:"true"`
	PaperBalance string `envconfig:"PAPER_BALANCE_USD" default:"1000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

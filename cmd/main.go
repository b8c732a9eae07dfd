package main

import (
	"fmt"
	"os"

	"fundingfarmer/cmd/scan"
	"fundingfarmer/cmd/stats"
	"fundingfarmer/src/security"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var Version string

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "Funding Farmer CMD"
	app.Usage = "The funding farmer command line interface"

	app.Commands = []cli.Command{
		scanCMD,
		statsCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	scanCMD = cli.Command{
		Name:        "scan",
		Usage:       "run one funding-rate sweep",
		Action:      scanAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Sweep every linear perp for extreme funding rates and print the candidates without trading.`,
	}
	statsCMD = cli.Command{
		Name:        "stats",
		Usage:       "print ledger statistics",
		Action:      statsAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Read the on-disk trade ledger and print aggregates and recent trades.`,
	}
	keysCMD = cli.Command{
		Name:        "keys",
		Usage:       "encrypt exchange credentials",
		Action:      keysAction,
		ArgsUsage:   "<api-key> <api-secret>",
		Flags:       []cli.Flag{},
		Description: `Encrypt Bybit credentials with EXCHANGE_CREDENTIALS_KEY and print the .env lines to store.`,
	}
)

func scanAction(_ *cli.Context) error {
	logrus.Info("Starting funding sweep CMD")

	s := &scan.Scan{Log: logrus.WithField("cmd", "scan")}
	if err := s.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func statsAction(_ *cli.Context) error {
	logrus.Info("Starting stats CMD")

	s := &stats.Stats{Log: logrus.WithField("cmd", "stats")}
	if err := s.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func keysAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: keys <api-key> <api-secret>")
	}

	encryptedKey, err := security.EncryptString(c.Args().Get(0))
	if err != nil {
		logrus.WithError(err).Error("Failed to encrypt key")
		return err
	}
	encryptedSecret, err := security.EncryptString(c.Args().Get(1))
	if err != nil {
		logrus.WithError(err).Error("Failed to encrypt secret")
		return err
	}

	fmt.Printf("BYBIT_API_KEY_ENC=%s\n", encryptedKey)
	fmt.Printf("BYBIT_API_SECRET_ENC=%s\n", encryptedSecret)
	return nil
}

package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/simplifysolutions/payment-moneris/acquirer"
	"golang.org/x/exp/slog"
)

var app struct {
	config string
	env    string
}

func init() {
	flagset := flag.NewFlagSet("moneris", flag.ExitOnError)
	flagset.StringVar(&app.config, "config", "", "YAML configuration")
	flagset.StringVar(&app.env, "env", ".env", "dotenv file loaded before reading the environment")
	err := flagset.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	if err := godotenv.Load(app.env); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading %s: %v", app.env, err)
	}

	cfg, err := acquirer.LoadConfig(app.config)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.HandlerOptions{Level: level(cfg.LogLevel)}.NewTextHandler(os.Stdout))

	a := acquirer.NewApp(logger, cfg)
	if err := a.Start(); err != nil {
		logger.Error("starting app", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	a.Shutdown()
}

func level(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

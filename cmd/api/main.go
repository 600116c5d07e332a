package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"boardSync/internal/app"
	"boardSync/internal/config"
	"boardSync/internal/logger"

	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yml", "путь к yaml-файлу конфигурации")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "конфигурация:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	if err := a.Init(ctx); err != nil {
		logger.Error("Ошибка инициализации", err)
		a.Shutdown()
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("Приложение завершилось с ошибкой", err)
		os.Exit(1)
	}
}

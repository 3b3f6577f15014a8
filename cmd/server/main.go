// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Corphon/VillagerBridge/internal/app"
	"github.com/Corphon/VillagerBridge/internal/auth"
	"github.com/Corphon/VillagerBridge/internal/config"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

func main() {
	mintFor := flag.String("mint-token", "", "print a bearer token for the given game server id and exit")
	genSecret := flag.Bool("gen-secret", false, "print a random AUTH_SECRET_KEY and exit")
	flag.Parse()

	if *genSecret {
		secret, err := auth.GenerateSecureKey(32)
		if err != nil {
			log.Fatalf("generate secret: %v", err)
		}
		fmt.Println(secret)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *mintFor != "" {
		if cfg.Auth.Secret == "" {
			log.Fatal("AUTH_SECRET_KEY must be set to mint tokens")
		}
		token, err := auth.GenerateToken(*mintFor, auth.NewTokenConfig(cfg.Auth.Secret, cfg.Auth.TokenTTL))
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if logFile := cfg.LogFile(); logFile != "" {
		if err := utils.InitLogger(logFile); err != nil {
			log.Fatalf("init logger: %v", err)
		}
		defer utils.CloseLogger()
	}
	logger := utils.GetLogger()

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("VillagerBridge starting", map[string]interface{}{
		"version": app.Version,
		"port":    cfg.Port,
	})
	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server stopped", nil)
}

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/relaybot/telegram-relaybot/internal/admin"
	"github.com/relaybot/telegram-relaybot/internal/admission"
	"github.com/relaybot/telegram-relaybot/internal/attestation"
	"github.com/relaybot/telegram-relaybot/internal/backup"
	"github.com/relaybot/telegram-relaybot/internal/boards"
	"github.com/relaybot/telegram-relaybot/internal/config"
	"github.com/relaybot/telegram-relaybot/internal/events"
	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/maintenance"
	"github.com/relaybot/telegram-relaybot/internal/policy"
	"github.com/relaybot/telegram-relaybot/internal/relay"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/server"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
	"github.com/relaybot/telegram-relaybot/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	logHandler := events.NewLogHandler(logLevel(cfg.LogLevel), 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("relaybot starting", "version", version)

	db, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	proxyCfg, err := transport.ParseProxyURL(cfg.ProxyURL)
	if err != nil {
		slog.Error("invalid PROXY_URL", "error", err)
		os.Exit(1)
	}
	tm := transport.NewManager(proxyCfg, cfg.HTTPRequestTimeout)
	defer tm.Close()

	client, err := telegram.New(cfg.BotToken, tm.Client())
	if err != nil {
		slog.Error("telegram client init failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)
	ruleStore := rules.New(db, cfg.RuleCacheTTL, rules.Defaults())
	lockMgr := locks.New()

	admissionMachine := admission.New(db, ruleStore)
	policyPipeline := policy.New(ruleStore)
	boardsEngine := boards.New(db, client, lockMgr, ruleStore, cfg.AdminGroupID)
	backupMirror := backup.New(client, cfg.BackupGroupID)
	relayEngine := relay.New(db, client, lockMgr, ruleStore, bus, boardsEngine, backupMirror, cfg.AdminGroupID)
	adminConsole := admin.New(ruleStore, client)

	initData := attestation.NewInitDataVerifier(cfg.BotToken)
	captcha := attestation.NewCaptchaVerifier(tm.Client(), cfg.TurnstileSecretKey, cfg.RecaptchaSecretKey)

	sweeper := maintenance.New(db, lockMgr)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go sweeper.Run(sweepCtx)

	srv := server.New(cfg, server.Deps{
		Store:     db,
		Client:    client,
		Rules:     ruleStore,
		Admission: admissionMachine,
		Policy:    policyPipeline,
		Relay:     relayEngine,
		Boards:    boardsEngine,
		Console:   adminConsole,
		InitData:  initData,
		Captcha:   captcha,
		Bus:       bus,
	}, version)

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func logLevel(raw string) slog.Level {
	switch raw {
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

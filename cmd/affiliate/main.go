package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/auth"
	"github.com/iurnickita/affiliate/internal/config"
	"github.com/iurnickita/affiliate/internal/handler"
	"github.com/iurnickita/affiliate/internal/logger"
	"github.com/iurnickita/affiliate/internal/program"
	"github.com/iurnickita/affiliate/internal/reconcile"
	"github.com/iurnickita/affiliate/internal/scheduler"
	"github.com/iurnickita/affiliate/internal/service"
	"github.com/iurnickita/affiliate/internal/service/notifyclient"
	"github.com/iurnickita/affiliate/internal/store"
	"github.com/iurnickita/affiliate/internal/token"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	// affiliate token <subject> [flags] - выпуск токена администратора
	if len(args) > 1 && args[0] == "token" {
		return issueToken(args[1], args[2:])
	}

	cfg, err := config.GetConfig(args)
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	var shared program.Shared
	if cfg.Program.RedisAddr != "" {
		client, err := program.Connect(ctx, cfg.Program.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		shared = program.NewRedisShared(client)
	}
	programs := program.NewProvider(cfg.Program, store, shared, zaplog)

	sender := notifyclient.NewSender(cfg.Notify, zaplog)
	defer func() {
		if err := sender.Close(); err != nil {
			zaplog.Warn("notify sender close", zap.Error(err))
		}
	}()

	service := service.NewService(cfg.Service, service.Deps{
		Store:   store,
		Program: programs,
		Notify:  sender,
		Zaplog:  zaplog,
	})
	jobs := reconcile.NewReconciler(cfg.Reconcile, reconcile.Deps{
		Store:  store,
		Notify: sender,
		Zaplog: zaplog,
	})

	if cfg.Scheduler.DailySpec != "" {
		cron, err := scheduler.New(cfg.Scheduler, jobs, zaplog)
		if err != nil {
			return err
		}
		cron.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Handler.ShutdownTimeout)
			defer cancel()
			cron.Stop(stopCtx)
		}()
	}

	auth := auth.NewAuth(cfg.Auth, zaplog)

	return handler.Serve(ctx, cfg.Handler, auth, service, jobs, zaplog)
}

func issueToken(subject string, args []string) error {
	cfg, err := config.GetConfig(args)
	if err != nil {
		return err
	}
	tokenString, err := token.BuildJWTString(cfg.Auth.SecretKey, subject, token.RoleAdmin, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tokenString)
	return nil
}

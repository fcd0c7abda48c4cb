package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/bridge-voice-lab/internal/config"
	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/presence"
	"github.com/bridge-voice-lab/internal/reminder"
	"github.com/bridge-voice-lab/internal/server"
	"github.com/bridge-voice-lab/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		logging.Infow("loaded .env")
	}
	sugar := logging.Init()
	cfg := config.Load()

	st, err := store.Open(store.Config{Path: cfg.DBPath})
	if err != nil {
		sugar.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	reg := presence.NewRegistry()
	srv := server.New(cfg, st, reg)

	sched := reminder.NewScheduler(st, srv.DeliverReminder, cfg.ReminderInterval)
	if err := sched.Start(); err != nil {
		sugar.Fatalf("reminder scheduler start failed: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	go func() {
		sugar.Infow("listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("listen failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("http shutdown: %v", err)
	}

	if l := zap.L(); l != nil {
		_ = l.Sync()
	}
	sugar.Info("shutdown complete")
}

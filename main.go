package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pairingService.RunSweeper(ctx, time.Minute)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := docStore.SweepEvents(ctx, focusdConfig.EventRetention); err != nil {
					logrusLogger.WithError(err).Warn("event sweep failed")
				} else if n > 0 {
					logrusLogger.Printf("swept %d change-log rows", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", focusdConfig.Port),
		Handler: GetMainEngine(),
	}
	go func() {
		<-ctx.Done()
		pushNotifier.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrusLogger.Printf("focusd listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrusLogger.Fatal(err)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-txpipeline/internal/app"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/db"
	"go-txpipeline/internal/router"
)

func main() {
	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	db.InitDB()

	container, err := app.InitializeContainer()
	if err != nil {
		log.Fatalf("❌ Failed to initialize services: %v", err)
	}

	container.ReconcilerService.Start()

	r := router.SetupRouter(container)

	addr := fmt.Sprintf("%s:%d", config.AppConfig.Server.Host, config.AppConfig.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 Transaction pipeline listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}

	container.Shutdown()

	if sqlDB, err := db.DB.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("✅ Shutdown complete")
}

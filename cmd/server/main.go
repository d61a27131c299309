package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/config"
	"github.com/evgrid/ocpp-gateway/internal/api"
	"github.com/evgrid/ocpp-gateway/internal/db"
	"github.com/evgrid/ocpp-gateway/internal/ocpp"
	"github.com/evgrid/ocpp-gateway/internal/service"
	"github.com/evgrid/ocpp-gateway/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.Info("Starting OCPP gateway")

	// Connect to database unless persistence is disabled
	var store *db.PostgresStore
	if !cfg.DBDisabled {
		store, err = db.NewPostgresStore(cfg)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		defer store.Close()
	} else {
		logrus.Warn("Persistence disabled, sessions will not be archived")
	}

	// Any non-empty id tag may charge. Replace with a real backend to
	// enforce accounts.
	authorizer := ocpp.AuthorizerFunc(func(idTag string) bool {
		return idTag != ""
	})

	// Create and start the gateway
	gateway := service.NewGateway(cfg, store, authorizer)
	gateway.Start()
	defer gateway.Stop()

	// OCPP WebSocket server for piles
	wsServer := ws.NewServer(cfg, gateway)
	ocppSrv := &http.Server{
		Addr:    wsServer.Addr(),
		Handler: wsServer.Handler(),
	}
	go func() {
		logrus.Infof("Starting OCPP WebSocket server on port %d", cfg.ServerPort)
		if err := ocppSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start OCPP WebSocket server")
		}
	}()

	// REST API server
	apiServer := api.NewAPI(gateway)
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: apiServer,
	}
	go func() {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for the shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("API server forced to shutdown")
	}
	if err := ocppSrv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("OCPP server forced to shutdown")
	}

	logrus.Info("Server exited")
}

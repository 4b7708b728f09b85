package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/broker"
	"github.com/homerelay/internal/config"
	"github.com/homerelay/internal/discovery"
	"github.com/homerelay/internal/mqttclient"
	"github.com/homerelay/internal/registry"
	"github.com/homerelay/internal/telemetry"
	"github.com/homerelay/internal/websocket"
	"github.com/homerelay/pkg/session"
)

func runBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	bc := cfg.Broker
	b := broker.New(broker.Config{
		Address:             bc.Address,
		QueueSize:           bc.QueueSize,
		RegistrationTimeout: bc.RegistrationTimeout,
		IdleTimeout:         bc.IdleTimeout,
		SweepInterval:       bc.SweepInterval,
		Session:             session.Options{LivenessTimeout: bc.LivenessTimeout},
		Observers:           []registry.Observer{hub},
		Routes:              hub,
	}, logger)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	if bc.StateTopic != "" && cfg.Manager.MQTT.Broker != "" {
		mc, err := mqttclient.New(mqttclient.Options{
			BrokerURL: cfg.Manager.MQTT.Broker,
			Username:  cfg.Manager.MQTT.Username,
			Password:  cfg.Manager.MQTT.Password,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer mc.Close()
		if err := hub.WatchMQTT(mc, bc.StateTopic); err != nil {
			return fmt.Errorf("watch device states: %w", err)
		}
	}

	if bc.AdminAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		mux.Handle("/ws", telemetry.Instrument("ws", http.HandlerFunc(hub.ServeWS)))
		b.RegisterHandlers(mux)
		srv := &http.Server{Addr: bc.AdminAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("admin server listening", zap.String("address", bc.AdminAddress))
	}

	if d := cfg.Discovery; d.Enabled() {
		cli, err := discovery.NewClient(d.Endpoints, 5*time.Second)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		id := d.ID
		if id == "" {
			id, _ = os.Hostname()
		}
		lease, err := discovery.Announce(ctx, cli, d.Prefix, id, advertised(b.Addr()), d.TTL, logger)
		if err != nil {
			return err
		}
		defer func() {
			withdrawCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			discovery.Withdraw(withdrawCtx, cli, lease)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down broker")
	return nil
}

// advertised replaces an unspecified listen host with the hostname.
func advertised(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return net.JoinHostPort(host, port)
}

package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/homerelay/internal/config"
	"github.com/homerelay/internal/manager"
	"github.com/homerelay/internal/mqttclient"
	"github.com/homerelay/pkg/session"
)

func runManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	mc := cfg.Manager
	addr, err := resolveBroker(ctx, cfg.Discovery, mc.BrokerAddress, logger)
	if err != nil {
		return err
	}
	m, err := manager.New(manager.Config{
		Key:                 mc.Key,
		BrokerAddress:       addr,
		RetryTimes:          mc.RetryTimes,
		ReregisterOnFailure: mc.ReregisterOnFailure,
		RegistrationTimeout: mc.RegistrationTimeout,
		Session:             session.Options{LivenessTimeout: mc.LivenessTimeout},
	}, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	var pubsub *mqttclient.Client
	for _, d := range mc.Devices {
		switch d.Kind {
		case config.KindTCP:
			m.AddDevice(manager.NewTCPDevice(d.Name, d.Address, mc.ReplyTimeout, logger))
		case config.KindSerial:
			dev, err := manager.NewSerialDevice(d.Name, d.Address, d.Baud, mc.ReplyTimeout, logger)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Name, err)
			}
			m.AddDevice(dev)
		case config.KindMQTT:
			if pubsub == nil {
				pubsub, err = mqttclient.New(mqttclient.Options{
					BrokerURL: mc.MQTT.Broker,
					ClientID:  mc.MQTT.ClientID,
					Username:  mc.MQTT.Username,
					Password:  mc.MQTT.Password,
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				defer pubsub.Close()
			}
			m.AddDevice(manager.NewMQTTDevice(d.Name, d.Address, pubsub, mc.ReplyTimeout, logger))
		}
	}

	logger.Info("manager running", zap.String("key", m.Key()), zap.Strings("devices", m.Devices()))
	if err := m.Supervise(ctx, mc.SuperviseInterval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

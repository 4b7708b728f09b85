package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/homerelay/internal/logging"
	"github.com/homerelay/internal/manager"
	"github.com/homerelay/internal/mqttclient"
)

func main() {
	port := pflag.String("port", "/dev/ttyUSB0", "serial port of the device")
	baud := pflag.Int("baud", 9600, "serial baud rate")
	brokerURL := pflag.String("broker", "tcp://localhost:1883", "mqtt broker")
	topic := pflag.String("topic", "home/lamp", "topic prefix; requests on <topic>/set, answers on <topic>/state")
	sim := pflag.Bool("sim", true, "simulate the device instead of using the serial port")
	timeout := pflag.Duration("timeout", 2*time.Second, "serial reply timeout")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	logger, err := logging.New(*level, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicebridge: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	var dev exchanger = &simDevice{}
	if !*sim {
		sd, err := manager.NewSerialDevice(*topic, *port, *baud, *timeout, logger)
		if err != nil {
			logger.Fatal("open serial device", zap.Error(err))
		}
		defer sd.Close()
		dev = sd
	}

	mqttc, err := mqttclient.New(mqttclient.Options{BrokerURL: *brokerURL, Logger: logger})
	if err != nil {
		logger.Fatal("mqtt connect", zap.Error(err))
	}
	defer mqttc.Close()

	b := &bridge{topic: *topic, dev: dev, pub: mqttc, logger: logger.Named("bridge")}
	if err := mqttc.Subscribe(b.setTopic(), 1, b.handle); err != nil {
		logger.Fatal("subscribe", zap.String("topic", b.setTopic()), zap.Error(err))
	}
	logger.Info("bridge running",
		zap.String("set", b.setTopic()),
		zap.String("state", b.stateTopic()),
		zap.Bool("sim", *sim))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info("shutting down")
}

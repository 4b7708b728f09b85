package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/homerelay/internal/config"
	"github.com/homerelay/internal/controller"
	"github.com/homerelay/pkg/session"
)

func runController(ctx context.Context, cfg *config.Config, f flags, logger *zap.Logger) error {
	cc := cfg.Controller
	addr, err := resolveBroker(ctx, cfg.Discovery, cc.BrokerAddress, logger)
	if err != nil {
		return err
	}
	c, err := controller.New(controller.Config{
		Key:               cc.Key,
		BrokerAddress:     addr,
		RetryTimes:        cc.RetryTimes,
		RetryRegistration: cc.RetryRegistration,
		LivenessTimeout:   cc.LivenessTimeout,
		Session:           session.Options{LivenessTimeout: cc.LivenessTimeout},
	}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if f.check {
		if !c.CheckValid() {
			return errors.New("broker connection is not valid")
		}
		fmt.Printf("broker %s: valid (key %s)\n", addr, c.Key())
		return nil
	}

	reply, err := c.Request(f.to, f.device, f.data, cc.ReplyTimeout)
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return fmt.Errorf("%s/%s: %w", f.to, f.device, reply.Err)
	}
	fmt.Printf("%s/%s: %s\n", reply.FromKey, reply.Device, reply.Data)
	return nil
}

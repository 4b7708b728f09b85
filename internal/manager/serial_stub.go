//go:build no_serial
// +build no_serial

package manager

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// NewSerialDevice is unavailable in builds without serial support.
func NewSerialDevice(name, port string, baud int, replyTimeout time.Duration, logger *zap.Logger) (Device, error) {
	return nil, errors.New("serial devices not supported in this build (built with no_serial)")
}

package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens outbound TCP connections with a bounded connect time
type Dialer struct {
	Timeout time.Duration
}

func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{
		Timeout: timeout,
	}
}

// Dial connects to address, honoring both ctx and the dialer timeout
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}

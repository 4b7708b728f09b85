// Package discovery publishes broker addresses in etcd and resolves them
// for clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/homerelay/brokers"

// ErrNoBroker is returned by Resolve when nothing is announced.
var ErrNoBroker = errors.New("no broker announced")

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func nodeKey(prefix, id string) string {
	return strings.TrimRight(prefix, "/") + "/" + id
}

// Announce puts addr under prefix/id on a lease of ttl seconds and keeps the
// lease alive until ctx is done. The key disappears ttl seconds after the
// process stops refreshing it.
func Announce(ctx context.Context, cli *clientv3.Client, prefix, id, addr string, ttl int64, logger *zap.Logger) (clientv3.LeaseID, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	key := nodeKey(prefix, id)
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}

	acks, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keep alive %s: %w", key, err)
	}
	go func() {
		for range acks {
		}
		if ctx.Err() == nil {
			logger.Warn("lease keep-alive ended", zap.String("key", key))
		}
	}()

	logger.Info("announced", zap.String("key", key), zap.String("address", addr), zap.Int64("ttl", ttl))
	return lease.ID, nil
}

// Withdraw revokes the lease, removing the announcement at once.
func Withdraw(ctx context.Context, cli *clientv3.Client, id clientv3.LeaseID) error {
	_, err := cli.Revoke(ctx, id)
	return err
}

// Brokers returns every announced broker, keyed by id.
func Brokers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, error) {
	base := strings.TrimRight(prefix, "/") + "/"
	resp, err := cli.Get(ctx, base, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", base, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), base)] = string(kv.Value)
	}
	return out, nil
}

// Resolve returns the address of one announced broker. The lowest id wins
// so every client picks the same one.
func Resolve(ctx context.Context, cli *clientv3.Client, prefix string) (string, error) {
	brokers, err := Brokers(ctx, cli, prefix)
	if err != nil {
		return "", err
	}
	return pick(brokers)
}

func pick(brokers map[string]string) (string, error) {
	if len(brokers) == 0 {
		return "", ErrNoBroker
	}
	ids := make([]string, 0, len(brokers))
	for id := range brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return brokers[ids[0]], nil
}

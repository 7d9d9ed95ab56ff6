package main

import (
	"context"
	"encoding/json"
	"fmt"

	"ef-rpc/client"
	"ef-rpc/config"
	"ef-rpc/discovery"
	"ef-rpc/logging"
)

func runCall(method string, rawArgs []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var d discovery.Discovery
	if len(cfg.DiscoveryEndpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.DiscoveryEndpoints, discovery.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		d = etcd
	}

	c, err := client.Dial(cfg, d, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = json.RawMessage(a)
	}
	var result json.RawMessage
	if err := c.Service(calcService, calcVersion, calcPolicies(cfg.MethodPolicy())).
		Call(context.Background(), method, &result, args...); err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

package token

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulKV adapts github.com/hashicorp/consul/api's KV store to the
// narrow KV interface Source polls.
type ConsulKV struct {
	kv *consulapi.KV
}

// NewConsulKV builds a client from a ConsulConfig, the Go analogue of the
// original's Consul(config) wrapper around python-consul.
func NewConsulKV(cfg ConsulConfig) (*ConsulKV, error) {
	clientCfg := consulapi.DefaultConfig()
	if cfg.Host != "" {
		clientCfg.Address = cfg.Host
		if cfg.Port != 0 {
			clientCfg.Address = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		}
	}
	if cfg.Scheme != "" {
		clientCfg.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		clientCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(clientCfg)
	if err != nil {
		return nil, err
	}
	return &ConsulKV{kv: client.KV()}, nil
}

func (c *ConsulKV) Get(_ context.Context, key string) (string, bool, error) {
	pair, _, err := c.kv.Get(key, nil)
	if err != nil {
		return "", false, err
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

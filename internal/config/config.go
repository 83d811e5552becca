// Package config defines the proxy's YAML-backed configuration, covering
// every key spec.md §6 names plus the ambient settings (HTTP bind address,
// sarama client tuning, worker pool size) a runnable proxy needs.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Proxy is the top-level configuration document.
type Proxy struct {
	Addr string `yaml:"addr"`

	Kafka struct {
		SeedPeers []string `yaml:"seed_peers"`
	} `yaml:"kafka"`

	Consumer Consumer `yaml:"consumer"`

	// Overrides keyed by consumer instance name, shadowing the global
	// Consumer values for that instance only (spec.md §6, "per-consumer
	// overrides").
	InstanceOverrides map[string]InstanceOverride `yaml:"instance_overrides"`
}

// Consumer holds the global read-task tuning knobs named in spec.md §6.
type Consumer struct {
	// proxy.fetch.max.wait.ms
	FetchMaxWaitMs int64 `yaml:"fetch_max_wait_ms"`
	// proxy.fetch.min.bytes (negative disables the min-bytes shortcut)
	FetchMinBytes int64 `yaml:"fetch_min_bytes"`
	// consumer.iterator.backoff.ms
	IteratorBackoffMs int64 `yaml:"iterator_backoff_ms"`
	// consumer.iterator.timeout.ms
	IteratorTimeoutMs int64 `yaml:"iterator_timeout_ms"`
	// consumer.response.max.bytes
	ResponseMaxBytes int64 `yaml:"response_max_bytes"`
	// consumer.request.max.bytes (per-request cap default when the caller
	// does not specify one)
	RequestMaxBytes int64 `yaml:"request_max_bytes"`
	// Number of workers in the read-task scheduler pool.
	Workers int `yaml:"workers"`
}

// InstanceOverride shadows select Consumer values for one named instance.
type InstanceOverride struct {
	ResponseMinBytes *int64 `yaml:"response_min_bytes"`
	RequestWaitMs    *int64 `yaml:"request_wait_ms"`
}

// Default returns the proxy's built-in defaults, matching the values the
// original Confluent kafka-rest and kafka-pixy ship with.
func Default() *Proxy {
	return &Proxy{
		Addr: ":8082",
		Consumer: Consumer{
			FetchMaxWaitMs:    1000,
			FetchMinBytes:     1,
			IteratorBackoffMs: 100,
			IteratorTimeoutMs: 5,
			ResponseMaxBytes: 64 * 1024 * 1024,
			RequestMaxBytes:  64 * 1024 * 1024,
			Workers:          4,
		},
	}
}

// Load reads and merges a YAML configuration file over the defaults.
func Load(path string) (*Proxy, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return cfg, nil
}

// ResponseMinBytesFor resolves the effective fetchMinBytes for an instance,
// applying the per-instance override when present (spec.md §6).
func (c *Consumer) ResponseMinBytesFor(instanceName string, overrides map[string]InstanceOverride) int64 {
	if ov, ok := overrides[instanceName]; ok && ov.ResponseMinBytes != nil {
		return *ov.ResponseMinBytes
	}
	return c.FetchMinBytes
}

// RequestWaitMsFor resolves the effective fetchMaxWaitMs for an instance,
// applying the per-instance override when present (spec.md §6).
func (c *Consumer) RequestWaitMsFor(instanceName string, overrides map[string]InstanceOverride) int64 {
	if ov, ok := overrides[instanceName]; ok && ov.RequestWaitMs != nil {
		return *ov.RequestWaitMs
	}
	return c.FetchMaxWaitMs
}

// IteratorBackoff returns the iterator backoff as a time.Duration, used by
// the broker iterator adapter.
func (c *Consumer) IteratorBackoff() time.Duration {
	return time.Duration(c.IteratorBackoffMs) * time.Millisecond
}

// IteratorTimeout returns the broker-level per-poll wait as a
// time.Duration.
func (c *Consumer) IteratorTimeout() time.Duration {
	return time.Duration(c.IteratorTimeoutMs) * time.Millisecond
}

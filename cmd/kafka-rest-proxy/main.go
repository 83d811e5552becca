// Command kafka-rest-proxy runs the REST-to-broker consumer proxy: it loads
// configuration, opens a shared Kafka client, and serves the HTTP API until
// signaled to shut down.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/config"
	"github.com/mailgun/kafka-rest-proxy/internal/logging"
	"github.com/mailgun/kafka-rest-proxy/internal/manager"
	"github.com/mailgun/kafka-rest-proxy/internal/scheduler"
	"github.com/mailgun/kafka-rest-proxy/server/httpsrv"
)

func main() {
	configPath := flag.String("config", "", "path to the proxy's YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON")
	flag.Parse()

	if err := logging.Init(*logLevel, *logJSON); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
		os.Exit(1)
	}
	log := logging.ForComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("proxy exited with error")
	}
}

func run(cfg *config.Proxy) error {
	log := logging.ForComponent("main")

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	client, err := sarama.NewClient(cfg.Kafka.SeedPeers, saramaCfg)
	if err != nil {
		return errors.Wrap(err, "failed to connect to Kafka")
	}

	sched := scheduler.New(cfg.Consumer.Workers, clock.Real{})
	mgr := manager.New(cfg, client, sched, clock.Real{})

	server, err := httpsrv.New(cfg.Addr, mgr)
	if err != nil {
		mgr.Close()
		return errors.Wrap(err, "failed to start HTTP server")
	}
	server.Start()
	log.WithField("addr", cfg.Addr).Info("proxy listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-server.ErrorCh():
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	server.Stop()
	return mgr.Close()
}

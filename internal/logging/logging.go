// Package logging configures the proxy's logrus output and provides
// component-scoped loggers.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Init configures the default logrus logger. Called once from main.
func Init(level string, json bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// ForComponent returns a logger pre-tagged with a "component" field, the
// convention used across the proxy's internal packages.
func ForComponent(name string) *log.Entry {
	return log.WithField("component", name)
}

// Package actor provides hierarchical identifiers used to scope log
// messages emitted by the proxy's concurrent components, mirroring the
// actor-id convention used throughout the kafka-pixy codebase.
package actor

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ID is a dotted path identifying a goroutine/component for logging
// purposes, e.g. "proxy.manager.group1.42.readtask".
type ID struct {
	path string
}

// RootID is the base identifier all other ids are derived from.
var RootID = ID{path: "proxy"}

// NewChild returns an id nested under the receiver.
func (id ID) NewChild(parts ...interface{}) ID {
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = fmt.Sprint(p)
	}
	return ID{path: id.path + "." + strings.Join(names, ".")}
}

func (id ID) String() string {
	return id.path
}

// LogScope logs entry/exit of a scope at debug level and returns a function
// that should be deferred to log the exit.
func (id ID) LogScope() func() {
	log.Debugf("<%s> entered", id)
	return func() {
		log.Debugf("<%s> left", id)
	}
}

// Spawn runs f in a new goroutine registered with wg, logging its id on
// entry and exit.
func Spawn(id ID, wg *sync.WaitGroup, f func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer id.LogScope()()
		f()
	}()
}

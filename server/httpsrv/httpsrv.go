// Package httpsrv exposes the Manager Facade over HTTP, the REST surface
// named in spec.md's module list as an out-of-scope contract the module
// must still be runnable behind. Routing and graceful shutdown follow the
// teacher's own server/httpsrv.go: gorilla/mux for routing, mailgun/manners
// for a listener that drains in-flight requests before closing.
package httpsrv

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mailgun/manners"
	"github.com/pkg/errors"

	"github.com/mailgun/kafka-rest-proxy/internal/actor"
	"github.com/mailgun/kafka-rest-proxy/internal/format"
	"github.com/mailgun/kafka-rest-proxy/internal/logging"
	"github.com/mailgun/kafka-rest-proxy/internal/manager"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

const (
	networkTCP  = "tcp"
	networkUnix = "unix"

	hdrContentType = "Content-Type"

	prmGroup = "group"
	prmID    = "id"
	prmTopic = "topic"
)

var log = logging.ForComponent("httpsrv")

var emptyResponse = map[string]interface{}{}

// T is the proxy's HTTP API server.
type T struct {
	actorID    actor.ID
	addr       string
	listener   net.Listener
	httpServer *manners.GracefulServer
	mgr        *manager.T
	wg         sync.WaitGroup
	errorCh    chan error
}

// New creates an HTTP server bound to addr, routing requests to mgr.
func New(addr string, mgr *manager.T) (*T, error) {
	network := networkUnix
	if strings.Contains(addr, ":") {
		network = networkTCP
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create listener")
	}

	router := mux.NewRouter()
	httpServer := manners.NewWithServer(&http.Server{Handler: router})
	s := &T{
		actorID:    actor.RootID.NewChild(fmt.Sprintf("http://%s", addr)),
		addr:       addr,
		listener:   manners.NewListener(listener),
		httpServer: httpServer,
		mgr:        mgr,
		errorCh:    make(chan error, 1),
	}

	router.HandleFunc(fmt.Sprintf("/consumers/{%s}", prmGroup), s.handleCreateConsumer).Methods("POST")
	router.HandleFunc(fmt.Sprintf("/consumers/{%s}/instances/{%s}/topics/{%s}/records", prmGroup, prmID, prmTopic), s.handleReadTopic).Methods("GET")
	router.HandleFunc(fmt.Sprintf("/consumers/{%s}/instances/{%s}/offsets", prmGroup, prmID), s.handleCommitOffsets).Methods("POST")
	router.HandleFunc(fmt.Sprintf("/consumers/{%s}/instances/{%s}", prmGroup, prmID), s.handleDeleteConsumer).Methods("DELETE")
	router.HandleFunc("/_ping", s.handlePing).Methods("GET")
	return s, nil
}

// Start triggers asynchronous HTTP server start. A listener failure is sent
// to ErrorCh.
func (s *T) Start() {
	actor.Spawn(s.actorID, &s.wg, func() {
		if err := s.httpServer.Serve(s.listener); err != nil {
			s.errorCh <- errors.Wrap(err, "HTTP API server failed")
		}
	})
}

// ErrorCh returns the channel the server's listener error, if any, is sent
// to.
func (s *T) ErrorCh() <-chan error {
	return s.errorCh
}

// Stop gracefully stops the HTTP server: it stops accepting new connections
// immediately and waits for in-flight requests — including reads still
// inside a Read Task's bounded wait — to complete.
func (s *T) Stop() {
	s.httpServer.Close()
	s.wg.Wait()
	close(s.errorCh)
}

type createConsumerRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Format          string `json:"format"`
	SchemaJSON      string `json:"schema,omitempty"`
	AutoOffsetReset string `json:"auto.offset.reset,omitempty"`
}

type createConsumerResponse struct {
	InstanceID string `json:"instance_id"`
	BaseURI    string `json:"base_uri"`
}

func (s *T) handleCreateConsumer(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	group := mux.Vars(r)[prmGroup]

	var req createConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.Format == "" {
		req.Format = string(format.Binary)
	}

	resp, err := s.mgr.CreateConsumer(group, manager.CreateConsumerRequest{
		ID:     req.ID,
		Name:   req.Name,
		Format: format.Name(req.Format),
		Schema: req.SchemaJSON,
	})
	if err != nil {
		respondWithError(w, statusFor(err), err)
		return
	}

	respondWithJSON(w, http.StatusOK, createConsumerResponse{
		InstanceID: resp.InstanceID,
		BaseURI:    fmt.Sprintf("%s/consumers/%s/instances/%s", s.baseURL(r), group, resp.InstanceID),
	})
}

type recordView struct {
	Topic     string      `json:"topic"`
	Partition int32       `json:"partition"`
	Offset    int64       `json:"offset"`
	Key       interface{} `json:"key"`
	Value     interface{} `json:"value"`
}

func (s *T) handleReadTopic(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	group, id, topic := vars[prmGroup], vars[prmID], vars[prmTopic]

	var requestMaxBytes int64
	if v := r.URL.Query().Get("max_bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, errors.Wrap(err, "invalid max_bytes"))
			return
		}
		requestMaxBytes = n
	}

	resultCh := make(chan struct {
		records []topicstate.Record
		err     error
	}, 1)
	s.mgr.ReadTopic(group, id, topic, requestMaxBytes, func(records []topicstate.Record, err error) {
		resultCh <- struct {
			records []topicstate.Record
			err     error
		}{records, err}
	})
	result := <-resultCh
	if result.err != nil {
		respondWithError(w, statusFor(result.err), result.err)
		return
	}

	views := make([]recordView, len(result.records))
	for i, rec := range result.records {
		views[i] = recordView{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
		}
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (s *T) handleCommitOffsets(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	group, id := vars[prmGroup], vars[prmID]

	if err := s.mgr.CommitOffsets(group, id); err != nil {
		respondWithError(w, statusFor(err), err)
		return
	}
	respondWithJSON(w, http.StatusOK, emptyResponse)
}

func (s *T) handleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	group, id := vars[prmGroup], vars[prmID]

	if err := s.mgr.DeleteConsumer(group, id); err != nil {
		respondWithError(w, statusFor(err), err)
		return
	}
	respondWithJSON(w, http.StatusOK, emptyResponse)
}

func (s *T) handlePing(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func (s *T) baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// statusFor maps the proxy's typed errors onto HTTP status codes, the same
// type-switch idiom the teacher's handleConsume used for
// consumer.ErrRequestTimeout/ErrTooManyRequests.
func statusFor(err error) int {
	switch err.(type) {
	case perrors.NotFound:
		return http.StatusNotFound
	case perrors.AlreadySubscribed:
		return http.StatusConflict
	case perrors.AlreadyExists:
		return http.StatusConflict
	case perrors.ShuttingDown:
		return http.StatusServiceUnavailable
	case perrors.BrokerInitFailure, perrors.BrokerIOFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorHTTPResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, status int, err error) {
	respondWithJSON(w, status, errorHTTPResponse{Error: err.Error()})
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	encoded, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		log.WithError(err).Error("failed to marshal HTTP response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add(hdrContentType, "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(encoded); err != nil {
		log.WithError(err).Error("failed to write HTTP response")
	}
}

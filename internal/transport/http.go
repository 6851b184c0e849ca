package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinkv/kvsvrd/internal/command"
	"github.com/odinkv/kvsvrd/internal/metrics"
	"github.com/odinkv/kvsvrd/internal/rwgate"
	"github.com/odinkv/kvsvrd/internal/store"
)

// defaultMaxBodyBytes bounds a PUT/POST request body when cfg.MaxLineBytes
// is unset (e.g. a zero-value Config in tests).
const defaultMaxBodyBytes = 4096

// storageResponse is the JSON body every /storage/ request returns, per
// spec.md §6's REST-to-command adapter.
type storageResponse struct {
	Command             string           `json:"command"`
	Key                 string           `json:"key"`
	Value               string           `json:"value,omitempty"`
	ResponseMessage     string           `json:"responseMessage,omitempty"`
	ResponseRecordsSize int              `json:"responseRecordsSize"`
	ResponseRecords     []command.Record `json:"responseRecords,omitempty"`
}

// nopSink discards observer traffic for HTTP-originated clients: a
// one-shot REST request has no open connection to push SUB
// notifications down, so a writer.WriteString/Flush pair is not
// meaningful here. HTTP clients that issue SUB simply never receive
// the asynchronous notifications; spec.md §6 scopes SUB to the TCP
// protocol and only requires GET/PUT/DELETE over HTTP.
type nopSink struct{}

func (nopSink) WriteString(s string) (int, error) { return len(s), nil }
func (nopSink) Flush() error                      { return nil }

// HTTPServer is the REST-to-command adapter, a static file server, and
// the /metrics and /stats endpoints of spec.md §6. Grounded on
// teacher_reference/ws/internal/single/core/handlers_http.go's
// JSON-over-net/http handler style; the teacher's websocket hub and
// Kafka-specific health checks have no analogue here, so this adapter
// is a plain http.ServeMux rather than a reuse of that file's Server
// type.
type HTTPServer struct {
	cfg      Config
	logger   zerolog.Logger
	store    *store.Store
	table    *command.Table
	client   *store.ClientContext
	metrics  *metrics.Metrics
	webRoot  string
	srv      *http.Server
	mu       sync.Mutex
	started  time.Time
}

// NewHTTPServer builds the HTTP adapter. webRoot is the directory
// statically served for any path outside /storage/, /metrics and
// /stats; an empty webRoot disables static file serving.
func NewHTTPServer(cfg Config, logger zerolog.Logger, s *store.Store, gate *rwgate.Gate, m *metrics.Metrics, webRoot string) *HTTPServer {
	client := store.NewClientContext(gate)
	table := command.NewTable()
	s.RegisterCommands(table, client, nopSink{}, cfg.EnableNewsletter)
	rwgate.RegisterCommands(table, client.Exclusive)

	return &HTTPServer{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		table:   table,
		client:  client,
		metrics: m,
		webRoot: webRoot,
	}
}

// Start binds and begins serving in a background goroutine.
func (h *HTTPServer) Start(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return errors.New("transport: http server already started")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/storage/", h.handleStorage)
	mux.HandleFunc("/stats", h.handleStats)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	if h.webRoot != "" {
		mux.HandleFunc("/", h.handleStatic)
	}

	h.srv = &http.Server{Addr: addr, Handler: mux}
	h.started = time.Now()

	ln := h.srv.Addr
	h.logger.Info().Str("addr", ln).Msg("transport: http server listening")

	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("transport: http server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.srv
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleStorage translates GET/PUT/DELETE /storage/<key> into the
// equivalent GET/PUT/DEL command, per spec.md §6. The request body, if
// present, becomes the PUT value; a query parameter "value" is
// accepted too, for clients that cannot easily set a request body.
func (h *HTTPServer) handleStorage(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/storage/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	var cmd *command.Command
	var name string
	switch r.Method {
	case http.MethodGet:
		name = "GET"
		cmd = h.table.Parse(fmt.Sprintf("GET %s", key))
	case http.MethodPut, http.MethodPost:
		name = "PUT"
		value := r.URL.Query().Get("value")
		if value == "" {
			maxBody := h.cfg.MaxLineBytes
			if maxBody <= 0 {
				maxBody = defaultMaxBodyBytes
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBody)+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if len(body) > maxBody {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			value = strings.TrimSpace(string(body))
		}
		cmd = h.table.Parse(fmt.Sprintf("PUT %s %s", key, value))
	case http.MethodDelete:
		name = "DEL"
		cmd = h.table.Parse(fmt.Sprintf("DEL %s", key))
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	h.table.Execute(cmd)
	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(name).Inc()
		h.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	resp := storageResponse{
		Command:             name,
		Key:                 key,
		Value:               cmd.Value,
		ResponseMessage:     cmd.ResponseMessage,
		ResponseRecordsSize: len(cmd.Records),
		ResponseRecords:     cmd.Records,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug().Err(err).Msg("transport: http encode response failed")
	}
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptimeSeconds": time.Since(h.started).Seconds(),
		"recordCount":   h.store.RecordCount(),
		"commands":      h.table.Overview(),
	})
}

// handleStatic serves files from webRoot, rejecting any request whose
// cleaned path escapes the root (the Go equivalent of the original's
// path-traversal guard on its static file handler) with a 404 rather
// than revealing that the path was rejected for traversal.
func (h *HTTPServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	clean := filepath.Clean(r.URL.Path)
	if strings.HasPrefix(clean, "..") || strings.Contains(clean, "/../") {
		http.NotFound(w, r)
		return
	}
	full := filepath.Join(h.webRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(h.webRoot)+string(filepath.Separator)) && full != filepath.Clean(h.webRoot) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}

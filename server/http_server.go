package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/auth"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
)

// maxBodyBytes bounds document and collection request bodies.
const maxBodyBytes = 16 << 20

// DocumentStore is the part of engine.DB served over HTTP.
type DocumentStore interface {
	CreateCollection(ctx context.Context, name string, wo engine.WriteOptions) (engine.CollectionInfo, error)
	DropCollection(ctx context.Context, name string, wo engine.WriteOptions) error
	Collection(name string) (engine.CollectionInfo, error)
	Collections() []engine.CollectionInfo
	Count(collection string) (int, error)
	Truncate(ctx context.Context, collection string, wo engine.WriteOptions) error

	Insert(ctx context.Context, collection, key string, body []byte, wo engine.WriteOptions) (engine.DocumentMeta, error)
	Update(ctx context.Context, collection, key string, body []byte, wo engine.WriteOptions) (engine.DocumentMeta, error)
	Remove(ctx context.Context, collection, key string, wo engine.WriteOptions) (engine.DocumentMeta, error)
	Get(ctx context.Context, collection, key string) (engine.Document, error)

	Flush(ctx context.Context, waitForSync, waitForCollector bool) error
	SetFaultPoint(name string)
	ClearFaultPoint(name string)
	ClearFaultPoints()
	WALProperties() (engine.WALProperties, error)
}

var _ DocumentStore = (*engine.DB)(nil)

// HTTPServer serves the document API and the admin endpoints.
type HTTPServer struct {
	server  *http.Server
	store   DocumentStore
	tls     config.TLSConfig
	logger  *slog.Logger
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewHTTPServer creates the API server. Routes are guarded by authenticator:
// reads need RoleReader, writes RoleWriter and /_admin RoleAdmin.
func NewHTTPServer(cfg *config.AdminConfig, store DocumentStore, authenticator auth.Authenticator, logger *slog.Logger) *HTTPServer {
	logger = logger.With("component", "HTTPServer")
	if authenticator == nil {
		authenticator = auth.NonAuthenticator{}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8529"
	}

	s := &HTTPServer{
		store:  store,
		tls:    cfg.TLS,
		logger: logger,
	}
	mux := http.NewServeMux()
	route := func(pattern, role string, h http.HandlerFunc) {
		mux.Handle(pattern, auth.Middleware(authenticator, role, h))
	}

	route("PUT /_admin/debug/failat/{name}", auth.RoleAdmin, s.handleSetFailAt)
	route("DELETE /_admin/debug/failat/{name}", auth.RoleAdmin, s.handleClearFailAt)
	route("DELETE /_admin/debug/failat", auth.RoleAdmin, s.handleClearAllFailAt)
	route("PUT /_admin/wal/flush", auth.RoleAdmin, s.handleFlush)
	route("GET /_admin/wal/properties", auth.RoleAdmin, s.handleWALProperties)

	route("GET /_api/collection", auth.RoleReader, s.handleListCollections)
	route("POST /_api/collection", auth.RoleWriter, s.handleCreateCollection)
	route("GET /_api/collection/{name}", auth.RoleReader, s.handleGetCollection)
	route("GET /_api/collection/{name}/count", auth.RoleReader, s.handleCountCollection)
	route("PUT /_api/collection/{name}/truncate", auth.RoleWriter, s.handleTruncateCollection)
	route("DELETE /_api/collection/{name}", auth.RoleWriter, s.handleDropCollection)

	route("POST /_api/document/{collection}", auth.RoleWriter, s.handleInsert)
	route("GET /_api/document/{collection}/{key}", auth.RoleReader, s.handleGetDocument)
	route("PUT /_api/document/{collection}/{key}", auth.RoleWriter, s.handleUpdate)
	route("DELETE /_api/document/{collection}/{key}", auth.RoleWriter, s.handleRemove)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Start serves on lis, or on the configured address when lis is nil. It blocks.
func (s *HTTPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
		}
	}
	s.logger.Info("HTTP API server listening", "address", lis.Addr().String(), "tls", s.tls.Enabled)

	var err error
	if s.tls.Enabled {
		err = s.server.ServeTLS(lis, s.tls.CertFile, s.tls.KeyFile)
	} else {
		err = s.server.Serve(lis)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP API server failed", "error", err)
		return fmt.Errorf("failed to start HTTP API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
// Shutdown before Serve makes a later Start return at once.
func (s *HTTPServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping HTTP API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP API server shutdown failed", "error", err)
	} else {
		s.logger.Info("HTTP API server stopped gracefully.")
	}
}

func (s *HTTPServer) handleSetFailAt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.store.SetFaultPoint(name)
	s.logger.Warn("Fail point armed over HTTP", "name", name)
	writeJSON(w, http.StatusOK, true)
}

func (s *HTTPServer) handleClearFailAt(w http.ResponseWriter, r *http.Request) {
	s.store.ClearFaultPoint(r.PathValue("name"))
	writeJSON(w, http.StatusOK, true)
}

func (s *HTTPServer) handleClearAllFailAt(w http.ResponseWriter, r *http.Request) {
	s.store.ClearFaultPoints()
	writeJSON(w, http.StatusOK, true)
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	waitForSync, err := boolParam(r, "waitForSync")
	if err != nil {
		s.writeError(w, err)
		return
	}
	waitForCollector, err := boolParam(r, "waitForCollector")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Flush(r.Context(), waitForSync, waitForCollector); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "code": http.StatusOK})
}

func (s *HTTPServer) handleWALProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.store.WALProperties()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

func (s *HTTPServer) handleListCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"result": s.store.Collections()})
}

func (s *HTTPServer) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		WaitForSync bool   `json:"waitForSync"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wo.WaitForSync = wo.WaitForSync || req.WaitForSync
	info, err := s.store.CreateCollection(r.Context(), req.Name, wo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Collection(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleCountCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	count, err := s.store.Count(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "count": count})
}

func (s *HTTPServer) handleTruncateCollection(w http.ResponseWriter, r *http.Request) {
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("name")
	if err := s.store.Truncate(r.Context(), name, wo); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.store.Collection(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("name")
	if err := s.store.DropCollection(r.Context(), name, wo); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "dropped": true})
}

func (s *HTTPServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meta, err := s.store.Insert(r.Context(), r.PathValue("collection"), "", body, wo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, writeStatus(wo), meta)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), r.PathValue("collection"), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.Rev))
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meta, err := s.store.Update(r.Context(), r.PathValue("collection"), r.PathValue("key"), body, wo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, writeStatus(wo), meta)
}

func (s *HTTPServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	wo, err := writeOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meta, err := s.store.Remove(r.Context(), r.PathValue("collection"), r.PathValue("key"), wo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, writeStatus(wo), meta)
}

// writeStatus is 201 for writes that waited for sync and 202 otherwise.
func writeStatus(wo engine.WriteOptions) int {
	if wo.WaitForSync {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error        bool   `json:"error"`
	Code         int    `json:"code"`
	ErrorMessage string `json:"errorMessage"`
}

// StatusForError maps engine errors to HTTP status codes.
func StatusForError(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrAllocationFailure),
		errors.Is(err, core.ErrNoWritableSegment),
		errors.Is(err, core.ErrFlushFailure),
		errors.Is(err, core.ErrNotReady),
		errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrCollectionNotFound), errors.Is(err, core.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUniqueConstraint), errors.Is(err, core.ErrCollectionExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrRecordTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case core.IsValidationError(err), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "status", status, "error", err)
	} else {
		s.logger.Debug("Request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: true, Code: status, ErrorMessage: err.Error()})
}

var errBadRequest = errors.New("bad request")

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: query parameter %s=%q is not a boolean", errBadRequest, name, v)
	}
	return b, nil
}

func writeOptions(r *http.Request) (engine.WriteOptions, error) {
	waitForSync, err := boolParam(r, "waitForSync")
	return engine.WriteOptions{WaitForSync: waitForSync}, err
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("error reading request body: %w", err)
	}
	return body, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

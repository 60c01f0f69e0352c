package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/auth"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestEngine(t *testing.T, dir string) *engine.DB {
	t.Helper()
	db, err := engine.Open(context.Background(), engine.Options{
		DataDir:          dir,
		WALSyncMode:      core.WALSyncInterval,
		WALSyncInterval:  20 * time.Millisecond,
		WALSegmentSize:   64 * 1024,
		CollectorWorkers: 2,
		LockTimeout:      200 * time.Millisecond,
		Logger:           discardLogger,
		FreeSpace:        func(string) (uint64, error) { return 1 << 40, nil },
	})
	require.NoError(t, err)
	return db
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
	user    string
	pass    string
}

func (c apiClient) do(method, path, body string) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func newTestAPI(t *testing.T, store DocumentStore) apiClient {
	srv := NewHTTPServer(&config.AdminConfig{ListenAddress: "127.0.0.1:0"}, store, nil, discardLogger)
	return apiClient{t: t, handler: srv.Handler()}
}

func TestHTTPServer_DocumentLifecycle(t *testing.T) {
	db := openTestEngine(t, t.TempDir())
	t.Cleanup(func() { db.Close() })
	api := newTestAPI(t, db)

	code, body := api.do(http.MethodPost, "/_api/collection", `{"name": "users"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "users", body["name"])

	code, _ = api.do(http.MethodPost, "/_api/collection", `{"name": "users"}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = api.do(http.MethodPost, "/_api/collection", `{"name": "1bad"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(http.MethodPost, "/_api/collection", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(http.MethodPost, "/_api/document/users?waitForSync=true", `{"_key": "alice", "age": 30}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "alice", body["_key"])
	rev := body["_rev"]

	code, body = api.do(http.MethodPost, "/_api/document/users", `{"age": 40}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.NotEmpty(t, body["_key"])

	code, _ = api.do(http.MethodPost, "/_api/document/users", `{"_key": "alice"}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = api.do(http.MethodPost, "/_api/document/users", `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(http.MethodPost, "/_api/document/users?waitForSync=maybe", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(http.MethodPost, "/_api/document/nothere", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = api.do(http.MethodGet, "/_api/document/users/alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(30), body["age"])
	assert.Equal(t, rev, body["_rev"])

	code, body = api.do(http.MethodPut, "/_api/document/users/alice?waitForSync=true", `{"age": 31}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.NotEqual(t, rev, body["_rev"])

	code, body = api.do(http.MethodGet, "/_api/collection/users/count", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])

	code, _ = api.do(http.MethodDelete, "/_api/document/users/alice", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, body = api.do(http.MethodGet, "/_api/document/users/alice", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, true, body["error"])
	assert.Equal(t, float64(http.StatusNotFound), body["code"])

	code, body = api.do(http.MethodPut, "/_api/collection/users/truncate", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])

	code, body = api.do(http.MethodGet, "/_api/collection", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["result"], 1)

	code, _ = api.do(http.MethodDelete, "/_api/collection/users", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodGet, "/_api/collection/users", "")
	assert.Equal(t, http.StatusNotFound, code)
}

// TestHTTPServer_FailAtScenario drives the fail point scenario over HTTP:
// a durable insert, a flush that cannot get a new logfile, a rejected
// insert, and a restart that recovers exactly the durable document.
func TestHTTPServer_FailAtScenario(t *testing.T) {
	dir := t.TempDir()
	db := openTestEngine(t, dir)
	api := newTestAPI(t, db)

	code, _ := api.do(http.MethodPost, "/_api/collection", `{"name": "UnitTestsRecovery"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPost, "/_api/document/UnitTestsRecovery?waitForSync=true", `{"value": 1}`)
	require.Equal(t, http.StatusCreated, code)

	code, _ = api.do(http.MethodPut, "/_admin/debug/failat/"+failpoint.CreateDatafile, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPut, "/_admin/debug/failat/"+failpoint.GetWritableLogfile, "")
	require.Equal(t, http.StatusOK, code)

	code, body := api.do(http.MethodGet, "/_admin/wal/properties", "")
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []any{failpoint.CreateDatafile, failpoint.GetWritableLogfile}, body["faultPoints"])

	code, body = api.do(http.MethodPut, "/_admin/wal/flush?waitForSync=true&waitForCollector=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, body)

	code, _ = api.do(http.MethodPost, "/_api/document/UnitTestsRecovery?waitForSync=true", `{"_key": "crashme"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	db.Crash()

	db = openTestEngine(t, dir)
	t.Cleanup(func() { db.Close() })
	api = newTestAPI(t, db)
	code, body = api.do(http.MethodGet, "/_api/collection/UnitTestsRecovery/count", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	code, _ = api.do(http.MethodGet, "/_api/document/UnitTestsRecovery/crashme", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPServer_FlushAndClearFailAt(t *testing.T) {
	db := openTestEngine(t, t.TempDir())
	t.Cleanup(func() { db.Close() })
	api := newTestAPI(t, db)

	code, _ := api.do(http.MethodPut, "/_admin/debug/failat/"+failpoint.CreateLogfile, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPut, "/_admin/wal/flush", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = api.do(http.MethodDelete, "/_admin/debug/failat/"+failpoint.CreateLogfile, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPut, "/_admin/wal/flush?waitForSync=true", "")
	assert.Equal(t, http.StatusOK, code)

	db.SetFaultPoint(failpoint.CreateDatafile)
	db.SetFaultPoint(failpoint.CreateLogfile)
	code, _ = api.do(http.MethodDelete, "/_admin/debug/failat", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, db.FaultPoints())

	code, _ = api.do(http.MethodPut, "/_admin/wal/flush?waitForCollector=yes", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTPServer_Auth(t *testing.T) {
	userFile := filepath.Join(t.TempDir(), "users.db")
	users := map[string]auth.UserRecord{}
	for name, role := range map[string]string{"reader": auth.RoleReader, "writer": auth.RoleWriter, "root": auth.RoleAdmin} {
		hash, err := auth.HashPassword("pw", auth.HashTypeSHA256)
		require.NoError(t, err)
		users[name] = auth.UserRecord{Username: name, PasswordHash: hash, Role: role}
	}
	require.NoError(t, auth.WriteUserFile(userFile, users, auth.HashTypeSHA256))
	authenticator, err := auth.NewAuthenticator(userFile, discardLogger)
	require.NoError(t, err)

	db := openTestEngine(t, t.TempDir())
	t.Cleanup(func() { db.Close() })
	srv := NewHTTPServer(&config.AdminConfig{}, db, authenticator, discardLogger)
	as := func(user string) apiClient {
		return apiClient{t: t, handler: srv.Handler(), user: user, pass: "pw"}
	}

	code, _ := as("").do(http.MethodGet, "/_api/collection", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = as("reader").do(http.MethodPost, "/_api/collection", `{"name": "c"}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = as("writer").do(http.MethodPost, "/_api/collection", `{"name": "c"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = as("reader").do(http.MethodGet, "/_api/collection/c/count", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = as("writer").do(http.MethodPut, "/_admin/wal/flush", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = as("root").do(http.MethodPut, "/_admin/wal/flush", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestStatusForError(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", core.ErrAllocationFailure), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", core.ErrNoWritableSegment), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: collector: %w", core.ErrFlushFailure, errors.New("disk")), http.StatusServiceUnavailable},
		{core.ErrNotReady, http.StatusServiceUnavailable},
		{core.ErrCollectionNotFound, http.StatusNotFound},
		{core.ErrDocumentNotFound, http.StatusNotFound},
		{core.ErrUniqueConstraint, http.StatusConflict},
		{core.ErrCollectionExists, http.StatusConflict},
		{core.ErrRecordTooLarge, http.StatusRequestEntityTooLarge},
		{&core.ValidationError{Field: "_key", Value: "", Message: "bad"}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
		{&core.CorruptionError{SegmentID: 1}, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, StatusForError(tc.err), tc.err.Error())
	}
}

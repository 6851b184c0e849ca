package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/odinkv/kvsvrd/internal/heap"
	"github.com/odinkv/kvsvrd/internal/metrics"
	"github.com/odinkv/kvsvrd/internal/pubsub"
	"github.com/odinkv/kvsvrd/internal/rwgate"
	"github.com/odinkv/kvsvrd/internal/store"
)

func newTestHTTPServer(t *testing.T) *HTTPServer {
	t.Helper()
	alloc := heap.NewPrivate()
	gate := rwgate.New()
	notifier := pubsub.New(zerolog.Nop())
	s, err := store.New(alloc, gate, notifier, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewHTTPServer(Config{}, zerolog.Nop(), s, gate, metrics.New(), "")
}

func TestHTTPStoragePutThenGet(t *testing.T) {
	h := newTestHTTPServer(t)

	req := httptest.NewRequest("PUT", "/storage/foo?value=bar", nil)
	rec := httptest.NewRecorder()
	h.handleStorage(rec, req)

	var putResp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &putResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if putResp.ResponseMessage != "record_new" {
		t.Fatalf("PUT responseMessage = %q, want record_new", putResp.ResponseMessage)
	}

	req = httptest.NewRequest("GET", "/storage/foo", nil)
	rec = httptest.NewRecorder()
	h.handleStorage(rec, req)

	var getResp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if getResp.ResponseRecordsSize != 1 || getResp.ResponseRecords[0].Value != "bar" {
		t.Fatalf("GET response = %+v", getResp)
	}
}

func TestHTTPStoragePutFromRequestBody(t *testing.T) {
	h := newTestHTTPServer(t)
	// Raise the body limit above the value size; the zero-value Config
	// would cap bodies at defaultMaxBodyBytes and reject this one.
	h.cfg.MaxLineBytes = 8192

	// A value over 4096 bytes is not guaranteed to arrive in a single
	// io.Reader.Read call; io.ReadAll must still capture it all rather
	// than silently truncating.
	value := strings.Repeat("x", 5000)
	req := httptest.NewRequest("PUT", "/storage/big", strings.NewReader(value))
	rec := httptest.NewRecorder()
	h.handleStorage(rec, req)

	var putResp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &putResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if putResp.ResponseMessage != "record_new" {
		t.Fatalf("PUT responseMessage = %q, want record_new", putResp.ResponseMessage)
	}

	get := httptest.NewRequest("GET", "/storage/big", nil)
	rec = httptest.NewRecorder()
	h.handleStorage(rec, get)

	var getResp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if getResp.ResponseRecordsSize != 1 || getResp.ResponseRecords[0].Value != value {
		t.Fatalf("GET value length = %d, want %d (value truncated)", len(getResp.ResponseRecords[0].Value), len(value))
	}
}

func TestHTTPStoragePutBodyTooLargeIsRejected(t *testing.T) {
	h := newTestHTTPServer(t)
	h.cfg.MaxLineBytes = 16

	req := httptest.NewRequest("PUT", "/storage/big", strings.NewReader(strings.Repeat("x", 17)))
	rec := httptest.NewRecorder()
	h.handleStorage(rec, req)

	if rec.Code != 413 {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHTTPStorageGetMissingKey(t *testing.T) {
	h := newTestHTTPServer(t)

	req := httptest.NewRequest("GET", "/storage/missing", nil)
	rec := httptest.NewRecorder()
	h.handleStorage(rec, req)

	var resp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ResponseMessage != "key_nonexistent" {
		t.Fatalf("responseMessage = %q, want key_nonexistent", resp.ResponseMessage)
	}
}

func TestHTTPStorageDelete(t *testing.T) {
	h := newTestHTTPServer(t)

	put := httptest.NewRequest("PUT", "/storage/foo?value=bar", nil)
	h.handleStorage(httptest.NewRecorder(), put)

	del := httptest.NewRequest("DELETE", "/storage/foo", nil)
	rec := httptest.NewRecorder()
	h.handleStorage(rec, del)

	var resp storageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ResponseRecordsSize != 1 || resp.ResponseRecords[0].Value != "key_deleted" {
		t.Fatalf("DELETE response = %+v", resp)
	}
}

func TestHTTPStorageMissingKeySegmentIsBadRequest(t *testing.T) {
	h := newTestHTTPServer(t)

	req := httptest.NewRequest("GET", "/storage/", nil)
	rec := httptest.NewRecorder()
	h.handleStorage(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHTTPStatsEndpoint(t *testing.T) {
	h := newTestHTTPServer(t)

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	h.handleStats(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heliosforge/progcache/internal/artifactstore"
	"github.com/heliosforge/progcache/internal/cachekey"
	"github.com/heliosforge/progcache/internal/compiler"
	"github.com/heliosforge/progcache/internal/domain"
	"github.com/heliosforge/progcache/internal/lock"
	"github.com/heliosforge/progcache/internal/platform/httpserver"
	"github.com/heliosforge/progcache/internal/service/programcache"
	"github.com/heliosforge/progcache/internal/storage/memory"
)

type testServer struct {
	handler http.Handler
	calls   *atomic.Int64
}

func newTestServer(t *testing.T, compile compiler.Func) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New() err=%v", err)
	}
	store, err := artifactstore.New(backend, artifactstore.ConflictReject)
	if err != nil {
		t.Fatalf("artifactstore.New() err=%v", err)
	}
	local := lock.NewLocal(time.Second)
	cache, err := programcache.New(store, local, logger)
	if err != nil {
		t.Fatalf("programcache.New() err=%v", err)
	}
	calls := &atomic.Int64{}
	counted := compiler.Func(func(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
		calls.Add(1)
		return compile(ctx, source, params)
	})

	mux := http.NewServeMux()
	newProgramCacheAPI(logger, cache, counted, local, nil).register(mux)
	return testServer{handler: httpserver.Wrap(logger, "program-cache", mux), calls: calls}
}

func echoCompiler(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
	return domain.CompiledArtifact{Version: params.Target, Payload: []byte(source.Text)}, nil
}

func (s testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://example.test"+path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestCompileThenHit(t *testing.T) {
	srv := newTestServer(t, echoCompiler)
	body := `{"source":"minting policy A","params":{"target":"PlutusV2"}}`

	first := srv.do(t, http.MethodPost, "/v1/programs:compile", body)
	if first.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", first.Code, first.Body.String())
	}
	var got artifactResponse
	decodeBody(t, first, &got)
	if got.Version != "V2" || got.CborHex != hex.EncodeToString([]byte("minting policy A")) {
		t.Fatalf("unexpected artifact: %+v", got)
	}
	wantKey, _ := cachekey.Derive(domain.Source{Text: "minting policy A"}, domain.CompileParams{Target: domain.TargetV2})
	if got.Key != wantKey.String() {
		t.Fatalf("key=%s, want %s", got.Key, wantKey)
	}

	second := srv.do(t, http.MethodPost, "/v1/programs:compile", body)
	if second.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", second.Code, second.Body.String())
	}
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("compiler invoked %d times, want 1", n)
	}
}

func TestCompileByHash(t *testing.T) {
	srv := newTestServer(t, echoCompiler)
	hash := cachekey.HashSource("spending vault")
	byHash := fmt.Sprintf(`{"source_hash":%q,"params":{"target":"V3"}}`, hash)

	if rec := srv.do(t, http.MethodPost, "/v1/programs:compile", byHash); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 before the source was compiled", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/v1/programs:compile", `{"source":"spending vault","params":{"target":"V3"}}`); rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := srv.do(t, http.MethodPost, "/v1/programs:compile", byHash); rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 after compile", rec.Code)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("compiler invoked %d times, want 1", n)
	}
}

func TestCompileErrors(t *testing.T) {
	failing := func(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
		return domain.CompiledArtifact{}, errors.New("parse error: unexpected token")
	}
	srv := newTestServer(t, failing)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad json", `{"source":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", `{"src":"x","params":{"target":"V2"}}`, http.StatusBadRequest, "invalid_json"},
		{"bad target", `{"source":"x","params":{"target":"V1"}}`, http.StatusBadRequest, "invalid_argument"},
		{"no source", `{"params":{"target":"V2"}}`, http.StatusBadRequest, "invalid_argument"},
		{"hash mismatch", `{"source":"x","source_hash":"` + strings.Repeat("0", 64) + `","params":{"target":"V2"}}`, http.StatusBadRequest, "invalid_argument"},
		{"blank salt", `{"source":"x","params":{"target":"V2","salts":{" ":"1"}}}`, http.StatusBadRequest, "invalid_argument"},
		{"compile failure", `{"source":"x","params":{"target":"V2"}}`, http.StatusUnprocessableEntity, "compile_failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/v1/programs:compile", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			var body map[string]any
			decodeBody(t, rec, &body)
			if body["error"] != tc.code {
				t.Fatalf("error=%v, want %s", body["error"], tc.code)
			}
			if body["request_id"] == "" {
				t.Fatalf("expected request_id in error body")
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	srv := newTestServer(t, echoCompiler)
	rec := srv.do(t, http.MethodPost, "/v1/keys:derive", `{"source":"minting policy A","params":{"target":"V2","salts":{"seed":"1"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	want, _ := cachekey.Derive(domain.Source{Text: "minting policy A"}, domain.CompileParams{Target: domain.TargetV2, Salts: map[string]string{"seed": "1"}})
	if body["key"] != want.String() || body["source_hash"] != cachekey.HashSource("minting policy A") {
		t.Fatalf("unexpected body: %v", body)
	}
	if srv.calls.Load() != 0 {
		t.Fatalf("deriving a key must not compile")
	}
}

func TestGetArtifact(t *testing.T) {
	srv := newTestServer(t, echoCompiler)
	key, _ := cachekey.Derive(domain.Source{Text: "abc"}, domain.CompileParams{Target: domain.TargetV3})

	if rec := srv.do(t, http.MethodGet, "/v1/artifacts/"+key.String(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/v1/artifacts/not-a-key", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}

	srv.do(t, http.MethodPost, "/v1/programs:compile", `{"source":"abc","params":{"target":"V3"}}`)

	rec := srv.do(t, http.MethodGet, "/v1/artifacts/"+strings.ToUpper(key.String()), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got artifactResponse
	decodeBody(t, rec, &got)
	if got.Key != key.String() || got.SizeBytes != 3 {
		t.Fatalf("unexpected artifact: %+v", got)
	}

	raw := srv.do(t, http.MethodGet, "/v1/artifacts/"+key.String()+"?format=raw", "")
	if raw.Code != http.StatusOK || !bytes.Equal(raw.Body.Bytes(), []byte("abc")) {
		t.Fatalf("raw status=%d body=%q", raw.Code, raw.Body.Bytes())
	}
	if raw.Header().Get("X-Artifact-Version") != "V3" {
		t.Fatalf("missing version header")
	}
}

func TestLocksListsInFlightSections(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once atomic.Bool
	blocking := func(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-release
		return echoCompiler(ctx, source, params)
	}
	srv := newTestServer(t, blocking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.do(t, http.MethodPost, "/v1/programs:compile", `{"source":"slow","params":{"target":"V2"}}`)
	}()
	<-entered

	rec := srv.do(t, http.MethodGet, "/v1/locks", "")
	var body struct {
		Locks []lock.Handle `json:"locks"`
	}
	decodeBody(t, rec, &body)
	close(release)
	<-done

	want, _ := cachekey.Derive(domain.Source{Text: "slow"}, domain.CompileParams{Target: domain.TargetV2})
	if len(body.Locks) != 1 || body.Locks[0].Key != want || body.Locks[0].Holder == "" {
		t.Fatalf("unexpected locks: %+v", body.Locks)
	}

	after := srv.do(t, http.MethodGet, "/v1/locks", "")
	if !strings.Contains(after.Body.String(), `"locks":[]`) {
		t.Fatalf("expected no locks after release, got %s", after.Body.String())
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, echoCompiler)
	body := `{"source":"x","params":{"target":"V2"}}`
	srv.do(t, http.MethodPost, "/v1/programs:compile", body)
	srv.do(t, http.MethodPost, "/v1/programs:compile", body)

	rec := srv.do(t, http.MethodGet, "/v1/stats", "")
	var got struct {
		Cache programcache.Stats `json:"cache"`
	}
	decodeBody(t, rec, &got)
	if got.Cache.Hits != 1 || got.Cache.Misses != 1 || got.Cache.Compiles != 1 {
		t.Fatalf("unexpected stats: %+v", got.Cache)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: x", domain.ErrInvalidParams), http.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", domain.ErrLockTimeout), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", domain.ErrCompileFailed, domain.ErrInvalidParams), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", domain.ErrStoreFailed, domain.ErrArtifactConflict), http.StatusConflict},
		{fmt.Errorf("%w: x", domain.ErrStoreFailed), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if status, _ := statusForError(tc.err); status != tc.status {
			t.Fatalf("statusForError(%v)=%d, want %d", tc.err, status, tc.status)
		}
	}
}

func TestDecodeJSON_RejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(`{"source":"a"} {"source":"b"}`))
	var dst compileRequest
	if err := decodeJSON(req, 1<<20, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug || parseLevel("warn") != slog.LevelWarn || parseLevel("nope") != slog.LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}

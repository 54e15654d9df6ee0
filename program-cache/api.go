package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/cachekey"
	"github.com/heliosforge/progcache/internal/compiler"
	"github.com/heliosforge/progcache/internal/domain"
	"github.com/heliosforge/progcache/internal/lock"
	"github.com/heliosforge/progcache/internal/platform/httpserver"
	"github.com/heliosforge/progcache/internal/service/programcache"
	"github.com/heliosforge/progcache/internal/service/retention"
)

type lockLister interface {
	Held() []lock.Handle
}

type programCacheAPI struct {
	logger        *slog.Logger
	cache         *programcache.Cache
	compiler      compiler.Compiler
	locks         lockLister
	sweeper       *retention.Sweeper
	maxRequestLen int64
}

func newProgramCacheAPI(logger *slog.Logger, cache *programcache.Cache, comp compiler.Compiler, locks lockLister, sweeper *retention.Sweeper) *programCacheAPI {
	return &programCacheAPI{
		logger:        logger,
		cache:         cache,
		compiler:      comp,
		locks:         locks,
		sweeper:       sweeper,
		maxRequestLen: 4 << 20, // 4 MiB
	}
}

func (api *programCacheAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/programs:compile", api.handleCompile)
	mux.HandleFunc("POST /v1/keys:derive", api.handleDeriveKey)
	mux.HandleFunc("GET /v1/artifacts/{key}", api.handleGetArtifact)
	mux.HandleFunc("GET /v1/locks", api.handleListLocks)
	mux.HandleFunc("GET /v1/stats", api.handleStats)
}

type compileParams struct {
	Target   string            `json:"target"`
	Optimize bool              `json:"optimize,omitempty"`
	Salts    map[string]string `json:"salts,omitempty"`
}

type compileRequest struct {
	Source     string        `json:"source,omitempty"`
	SourceHash string        `json:"source_hash,omitempty"`
	Params     compileParams `json:"params"`
}

type artifactResponse struct {
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	SHA256    string    `json:"sha256"`
	SizeBytes int       `json:"size_bytes"`
	CborHex   string    `json:"cbor_hex"`
	CreatedAt time.Time `json:"created_at"`
}

func toArtifactResponse(a domain.CompiledArtifact) artifactResponse {
	return artifactResponse{
		Key:       a.Key.String(),
		Version:   string(a.Version),
		SHA256:    a.SHA256,
		SizeBytes: len(a.Payload),
		CborHex:   hex.EncodeToString(a.Payload),
		CreatedAt: a.CreatedAt.UTC(),
	}
}

func (req compileRequest) resolve() (domain.Source, domain.CompileParams, error) {
	target := domain.NormalizeTargetVersion(req.Params.Target)
	if target == "" {
		return domain.Source{}, domain.CompileParams{}, errors.New("params.target must be V2 or V3")
	}
	source := domain.Source{Text: req.Source, Hash: strings.TrimSpace(req.SourceHash)}
	params := domain.CompileParams{Target: target, Optimize: req.Params.Optimize, Salts: req.Params.Salts}
	return source, params, nil
}

func (api *programCacheAPI) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := decodeJSON(r, api.maxRequestLen, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	source, params, err := req.resolve()
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	// Without text there is nothing to compile; only a stored artifact can answer.
	if source.Text == "" {
		key, err := cachekey.Derive(source, params)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		artifact, err := api.cache.Lookup(r.Context(), key)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, toArtifactResponse(artifact))
		return
	}

	artifact, err := api.cache.GetOrCompile(r.Context(), source, params, api.compiler)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

func (api *programCacheAPI) handleDeriveKey(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := decodeJSON(r, api.maxRequestLen, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	source, params, err := req.resolve()
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	sourceHash, err := cachekey.SourceHash(source)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	key, err := cachekey.Derive(source, params)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"key":         key.String(),
		"source_hash": sourceHash,
		"schema":      cachekey.KeySchema,
	})
}

func (api *programCacheAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParseCacheKey(r.PathValue("key"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	artifact, err := api.cache.Lookup(r.Context(), key)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "application/cbor")
		w.Header().Set("X-Artifact-Version", string(artifact.Version))
		w.Header().Set("X-Artifact-Sha256", artifact.SHA256)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(artifact.Payload)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

func (api *programCacheAPI) handleListLocks(w http.ResponseWriter, r *http.Request) {
	held := []lock.Handle{}
	if api.locks != nil {
		held = append(held, api.locks.Held()...)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"locks": held})
}

func (api *programCacheAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"cache": api.cache.Stats()}
	if api.sweeper != nil {
		lastRun, pruned := api.sweeper.LastRun()
		sweep := map[string]any{"last_pruned": pruned}
		if !lastRun.IsZero() {
			sweep["last_run"] = lastRun.UTC()
		}
		body["retention"] = sweep
	}
	httpserver.WriteJSON(w, http.StatusOK, body)
}

// writeDomainError maps error kinds to statuses. Compile failures and lock
// timeouts are checked first because they may wrap other kinds.
func (api *programCacheAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
	}
	httpserver.WriteError(w, r, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrCompileFailed):
		return http.StatusUnprocessableEntity, "compile_failed"
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, domain.ErrInvalidParams):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrArtifactConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrStoreFailed):
		return http.StatusBadGateway, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeJSON(r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

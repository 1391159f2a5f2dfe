// Package main implements the memory-agent gateway's HTTP server (C9):
// admission (C8) in front of the request pipeline (C7), composing every
// collaborator wired in this module.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kinic-gateway/memory-agent/engine/admission"
	"github.com/kinic-gateway/memory-agent/engine/chainlog"
	"github.com/kinic-gateway/memory-agent/engine/domain"
	"github.com/kinic-gateway/memory-agent/engine/graph"
	"github.com/kinic-gateway/memory-agent/engine/llm"
	"github.com/kinic-gateway/memory-agent/engine/pipeline"
	"github.com/kinic-gateway/memory-agent/engine/replay"
	"github.com/kinic-gateway/memory-agent/engine/vectorstore"
	"github.com/kinic-gateway/memory-agent/pkg/metrics"
	"github.com/kinic-gateway/memory-agent/pkg/mid"
)

// Config holds all environment-based configuration (spec §6 Configuration).
type Config struct {
	Port string

	APIKey         string
	AllowedOrigins []string

	RPCURL          string
	SignerKey       string
	ContractAddress string

	QdrantAddr string
	Collection string

	EmbedBaseURL string
	EmbedModel   string
	EmbedRPS     float64
	EmbedBurst   int

	LLMAPIKey      string
	LLMModel       string
	LLMTokenBudget int

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	CacheRefreshInterval time.Duration

	// NATSURL, if set, enables AuditReplayWorker: a background consumer that
	// retries chain audit writes which failed after their paired
	// vector-store write already committed. Empty disables it.
	NATSURL string
}

func loadConfig() Config {
	return Config{
		Port: envOr("PORT", "8080"),

		APIKey:         os.Getenv("API_KEY"),
		AllowedOrigins: splitCSV(envOr("ALLOWED_ORIGINS", "")),

		RPCURL:          envOr("RPC_URL", "http://localhost:8545"),
		SignerKey:       os.Getenv("SIGNER_KEY"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),

		QdrantAddr: envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "memory-agent"),

		EmbedBaseURL: envOr("EMBED_BASE_URL", "http://localhost:11434"),
		EmbedModel:   envOr("EMBED_MODEL", "nomic-embed-text"),
		EmbedRPS:     envFloat("EMBED_RPS", 5),
		EmbedBurst:   envInt("EMBED_BURST", 5),

		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMTokenBudget: envInt("LLM_TOKEN_BUDGET", 4000),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		CacheRefreshInterval: envDuration("CACHE_REFRESH_INTERVAL", 30*time.Second),

		NATSURL: os.Getenv("NATS_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainClient, err := chainlog.New(ctx, chainlog.Config{
		RPCURL:          cfg.RPCURL,
		SignerKey:       cfg.SignerKey,
		ContractAddress: cfg.ContractAddress,
	}, logger)
	if err != nil {
		return err
	}

	cache := chainlog.NewCache(chainClient, logger)

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return err
	}
	defer neo4jDriver.Close(ctx)
	graphStore := graph.New(neo4jDriver)

	embedder := vectorstore.NewHTTPEmbedder(cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedRPS, cfg.EmbedBurst)
	vstore, err := vectorstore.New(cfg.QdrantAddr, cfg.Collection, embedder, logger)
	if err != nil {
		return err
	}
	defer vstore.Close()

	llmClient := llm.New(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTokenBudget)

	pipe := pipeline.New(vstore, chainClient, llmClient, graphStore, logger)
	adm := admission.New(cfg.APIKey, cfg.AllowedOrigins, nil)
	reg := metrics.New()

	stopRefresh := startCacheRefresh(ctx, cache, cfg.CacheRefreshInterval, logger)
	defer stopRefresh()

	if cfg.NATSURL != "" {
		stopReplay, err := startReplayWorker(cfg.NATSURL, chainClient, pipe, logger)
		if err != nil {
			logger.Warn("audit replay worker disabled: failed to connect to NATS", "err", err)
		} else {
			defer stopReplay()
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildHandler(pipe, adm, cache, graphStore, chainClient, reg, cfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("memory-agent gateway starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func startCacheRefresh(ctx context.Context, cache *chainlog.Cache, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := cache.Refresh(ctx); err != nil {
					logger.Warn("cache refresh failed", "err", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// startReplayWorker dials NATS, starts AuditReplayWorker consuming pending
// chain writes, and wires pipe to publish failed writes to it. Returns a
// stop function that unsubscribes and closes the connection.
func startReplayWorker(natsURL string, chainClient *chainlog.Client, pipe *pipeline.Pipeline, logger *slog.Logger) (func(), error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}

	worker := replay.New(nc, chainClient, logger)
	sub, err := worker.Start()
	if err != nil {
		nc.Close()
		return nil, err
	}

	pipe.SetFailurePublisher(replay.NewPublisher(nc))
	logger.Info("audit replay worker started", "subject", replay.Subject)

	return func() {
		_ = sub.Unsubscribe()
		nc.Close()
	}, nil
}

func buildHandler(pipe *pipeline.Pipeline, adm *admission.Layer, cache *chainlog.Cache, graphStore *graph.AuditGraph, chainClient *chainlog.Client, reg *metrics.Registry, cfg Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /insert", admitted(adm, "insert", handleInsert(pipe)))
	mux.HandleFunc("POST /search", admitted(adm, "search", handleSearch(pipe)))
	mux.HandleFunc("POST /chat", admitted(adm, "chat", handleChat(pipe)))
	mux.HandleFunc("GET /health", handleHealth(chainClient, true))
	mux.HandleFunc("GET /stats", handleStats(chainClient, logger))
	mux.HandleFunc("GET /monad/stats", handleMonadStats(cache))
	mux.HandleFunc("GET /monad/trending", handleMonadTrending(cache))
	mux.HandleFunc("POST /monad/search", handleMonadSearch(cache))
	mux.HandleFunc("POST /monad/refresh", admitted(adm, "refresh", handleMonadRefresh(cache)))
	mux.HandleFunc("GET /monad/graph/tag-cooccurrence", handleTagCooccurrence(graphStore))
	mux.HandleFunc("GET /monad/graph/principal-activity", handlePrincipalActivity(graphStore))
	mux.Handle("GET /metrics", reg.Handler())

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		metricsMiddleware(reg),
		mid.CORS(cfg.AllowedOrigins),
		mid.OTel("memory-agent-gateway"),
	)
}

// metricsMiddleware records a request counter and a latency histogram per
// (method, path, status class), so /metrics reflects live traffic rather
// than an empty registry.
func metricsMiddleware(reg *metrics.Registry) mid.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			statusClass := strconv.Itoa(sw.status/100) + "xx"
			labels := metrics.WithLabels("http_requests_total", "method", r.Method, "path", r.URL.Path, "status", statusClass)
			reg.Counter(labels, "total HTTP requests").Inc()
			reg.Histogram(metrics.WithLabels("http_request_duration_seconds", "method", r.Method, "path", r.URL.Path), "HTTP request latency", metrics.DefaultBuckets).Since(start)
		})
	}
}

type statusCapture struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusCapture) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

// admitted wraps a handler with API-key auth, the endpoint's rate-limit
// policy, and the 128 KiB body cap, in that order (spec §4.8).
func admitted(adm *admission.Layer, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := adm.Authenticate(r); err != nil {
			writeError(w, err)
			return
		}
		if err := adm.Allow(endpoint, admission.SourceAddr(r)); err != nil {
			writeError(w, err)
			return
		}
		body, err := admission.ReadBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Kind    string `json:"kind"`
	Backend string `json:"backend,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	e := domain.AsError(err)
	writeJSON(w, domain.HTTPStatus(e.Kind), errorResponse{
		Detail:  e.Message,
		Kind:    string(e.Kind),
		Backend: e.Backend,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindBadRequest, "invalid request body", err)
	}
	return nil
}

// --- /insert ---

type insertRequest struct {
	Content   string `json:"content"`
	UserTags  string `json:"user_tags"`
	Principal string `json:"principal"`
}

type metadataResponse struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Tags        string `json:"tags"`
	Fingerprint string `json:"fingerprint"`
}

type kinicResultResponse struct {
	Stored bool   `json:"stored"`
	ID     string `json:"id"`
}

// insertResponse's three named fields (kinic_result, monad_tx, metadata)
// are the literal HTTP contract; chain_status is the "machine-readable
// warning flag" spec §4.7 Flow I step 6 asks for beyond that contract.
type insertResponse struct {
	KinicResult kinicResultResponse `json:"kinic_result"`
	MonadTx     *string             `json:"monad_tx"`
	ChainStatus string              `json:"chain_status"`
	Metadata    metadataResponse    `json:"metadata"`
}

func handleInsert(pipe *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req insertRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		res, err := pipe.Insert(r.Context(), req.Content, req.UserTags, req.Principal)
		if err != nil {
			writeError(w, err)
			return
		}

		var tx *string
		if res.Chain.TxHash != "" {
			h := res.Chain.TxHash
			tx = &h
		}

		writeJSON(w, http.StatusOK, insertResponse{
			KinicResult: kinicResultResponse{Stored: res.Vector.Stored, ID: res.Vector.ID},
			MonadTx:     tx,
			ChainStatus: res.Chain.Status,
			Metadata: metadataResponse{
				Title:       res.Metadata.Title,
				Summary:     res.Metadata.Summary,
				Tags:        res.Metadata.Tags,
				Fingerprint: res.Metadata.Fingerprint,
			},
		})
	}
}

// --- /search ---

type searchRequest struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	Principal string `json:"principal"`
}

type searchHitResponse struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
	Tag   string  `json:"tag"`
}

type searchResponse struct {
	Results    []searchHitResponse `json:"results"`
	MonadTx    *string             `json:"monad_tx"`
	NumResults int                 `json:"num_results"`
}

func handleSearch(pipe *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.TopK == 0 {
			req.TopK = 10
		}
		if err := domain.ValidateTopK(req.TopK, domain.MaxTopK); err != nil {
			writeError(w, err)
			return
		}

		res, err := pipe.Search(r.Context(), req.Query, req.TopK, req.Principal)
		if err != nil {
			writeError(w, err)
			return
		}

		hits := make([]searchHitResponse, len(res.Results))
		for i, h := range res.Results {
			hits[i] = searchHitResponse{Text: h.Content, Score: h.Score, Tag: h.Tags}
		}
		writeJSON(w, http.StatusOK, searchResponse{Results: hits, MonadTx: res.MonadTx, NumResults: res.NumResults})
	}
}

// --- /chat ---

// chatMaxTopK is the tighter bound §6's HTTP table gives /chat, applied
// here before the pipeline (which validates against the shared ≤50 bound
// per Flow III's "Validate as Flow II" — see DESIGN.md).
const chatMaxTopK = 20

type chatRequest struct {
	Message   string `json:"message"`
	TopK      int    `json:"top_k"`
	Principal string `json:"principal"`
}

type chatResponse struct {
	Response     string              `json:"response"`
	MemoriesUsed []searchHitResponse `json:"memories_used"`
	NumMemories  int                 `json:"num_memories"`
	MonadTx      *string             `json:"monad_tx"`
}

func handleChat(pipe *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.TopK == 0 {
			req.TopK = 3
		}
		if err := domain.ValidateTopK(req.TopK, chatMaxTopK); err != nil {
			writeError(w, err)
			return
		}

		res, err := pipe.Chat(r.Context(), req.Message, req.TopK, req.Principal)
		if err != nil {
			writeError(w, err)
			return
		}

		mems := make([]searchHitResponse, len(res.MemoriesUsed))
		for i, h := range res.MemoriesUsed {
			mems[i] = searchHitResponse{Text: h.Content, Score: h.Score, Tag: h.Tags}
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Response:     res.Response,
			MemoriesUsed: mems,
			NumMemories:  res.NumMemories,
			MonadTx:      res.MonadTx,
		})
	}
}

// --- /health, /stats ---

type healthResponse struct {
	Status   string `json:"status"`
	Vector   string `json:"vector"`
	Chain    string `json:"chain"`
	Canister string `json:"canister"`
}

// handleHealth reports "down" for any component whose client never dialed
// successfully; in practice run() returns before serving if either dial
// fails, so this mainly covers the zero-value case exercised by tests.
func handleHealth(chainClient *chainlog.Client, vectorOK bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, chainStatus, vectorStatus := "ok", "ok", "ok"
		if chainClient == nil {
			chainStatus, status = "down", "degraded"
		}
		if !vectorOK {
			vectorStatus, status = "down", "degraded"
		}
		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, healthResponse{Status: status, Vector: vectorStatus, Chain: chainStatus, Canister: vectorStatus})
	}
}

func handleStats(chainClient *chainlog.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, err := chainClient.GetTotal(r.Context())
		if err != nil {
			logger.Warn("stats: chain query failed", "err", err)
			writeError(w, domain.Wrap(domain.KindRemoteUnavailable, "chain unavailable", err).WithBackend("chain"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"total_memories": total})
	}
}

// --- /monad/* ---

func handleMonadStats(cache *chainlog.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cache.Stats())
	}
}

func handleMonadTrending(cache *chainlog.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 10)
		writeJSON(w, http.StatusOK, cache.TrendingTags(limit))
	}
}

type monadSearchRequest struct {
	Tags   string `json:"tags"`
	Title  string `json:"title"`
	OpType *uint8 `json:"op_type"`
	Limit  int    `json:"limit"`
}

type monadSearchResponse struct {
	Results    []chainlog.AuditRecord `json:"results"`
	NumResults int                    `json:"num_results"`
	Source     string                 `json:"source"`
}

func handleMonadSearch(cache *chainlog.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req monadSearchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 20
		}

		var results []chainlog.AuditRecord
		switch {
		case req.Tags != "":
			results = cache.SearchByTags(req.Tags, req.Limit)
		case req.Title != "":
			results = cache.SearchByTitle(req.Title, req.Limit, req.OpType)
		default:
			results = cache.Recent(req.Limit)
		}

		writeJSON(w, http.StatusOK, monadSearchResponse{Results: results, NumResults: len(results), Source: "cache"})
	}
}

type monadRefreshResponse struct {
	Synced bool `json:"synced"`
	Added  int  `json:"added"`
}

func handleMonadRefresh(cache *chainlog.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		added, err := cache.Refresh(r.Context())
		if err != nil {
			writeError(w, domain.Wrap(domain.KindRemoteUnavailable, "refresh failed", err).WithBackend("chain"))
			return
		}
		writeJSON(w, http.StatusOK, monadRefreshResponse{Synced: true, Added: added})
	}
}

// --- /monad/graph/* (supplement) ---

func handleTagCooccurrence(graphStore *graph.AuditGraph) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		if strings.TrimSpace(tag) == "" {
			writeError(w, domain.NewError(domain.KindBadRequest, "tag is required"))
			return
		}
		limit := queryInt(r, "limit", 10)

		counts, err := graphStore.TagCooccurrence(r.Context(), tag, limit)
		if err != nil {
			writeError(w, domain.Wrap(domain.KindRemoteUnavailable, "graph query failed", err).WithBackend("graph"))
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handlePrincipalActivity(graphStore *graph.AuditGraph) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := r.URL.Query().Get("principal")
		if strings.TrimSpace(principal) == "" {
			writeError(w, domain.NewError(domain.KindBadRequest, "principal is required"))
			return
		}
		limit := queryInt(r, "limit", 10)

		counts, err := graphStore.PrincipalActivity(r.Context(), principal, limit)
		if err != nil {
			writeError(w, domain.Wrap(domain.KindRemoteUnavailable, "graph query failed", err).WithBackend("graph"))
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

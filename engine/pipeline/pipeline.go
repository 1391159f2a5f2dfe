// Package pipeline orchestrates a request across the vector store, chain
// log, and LLM collaborators (C7): Flow I (insert), Flow II (search), and
// Flow III (chat), enforcing the ordering and partial-failure rules of
// spec §4.7/§5.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kinic-gateway/memory-agent/engine/chainlog"
	"github.com/kinic-gateway/memory-agent/engine/domain"
	"github.com/kinic-gateway/memory-agent/engine/llm"
	"github.com/kinic-gateway/memory-agent/engine/metadata"
	"github.com/kinic-gateway/memory-agent/engine/scope"
	"github.com/kinic-gateway/memory-agent/engine/vectorstore"
	"github.com/kinic-gateway/memory-agent/pkg/resilience"
)

// Per-call timeouts (spec §5). Each suspension point gets its own budget
// carved out of the caller's total request deadline.
const (
	vectorCallTimeout = 8 * time.Second
	chainCallTimeout  = 20 * time.Second
	llmCallTimeout    = 20 * time.Second

	insertDeadline = 30 * time.Second
	searchDeadline = 30 * time.Second
	chatDeadline   = 40 * time.Second
)

// VectorSearcher is the narrow view of vectorstore.VectorStore the pipeline
// depends on.
type VectorSearcher interface {
	Insert(ctx context.Context, tag, content string) (vectorstore.InsertOutcome, error)
	Search(ctx context.Context, query string, kRaw int) ([]vectorstore.SearchHit, error)
}

// ChainWriter is the narrow view of chainlog.Client the pipeline depends on.
type ChainWriter interface {
	WriteLog(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) (chainlog.TxOutcome, error)
}

// Chatter is the narrow view of llm.Client the pipeline depends on.
type Chatter interface {
	Chat(ctx context.Context, userMessage string, contextBlocks []llm.ContextBlock) (string, error)
}

// GraphProjector optionally mirrors a committed audit record into the
// analytics graph (the AuditGraph supplement). A nil GraphProjector
// disables projection entirely.
type GraphProjector interface {
	Project(ctx context.Context, id string, title string, opType int, timestamp int64, tagsString string, principal string) error
}

// FailurePublisher optionally ships a chain write out for async replay
// (engine/replay's AuditReplayWorker) when the write fails after its paired
// vector-store write already committed. A nil FailurePublisher — the
// default — drops the write; only the warning log survives.
type FailurePublisher interface {
	PublishFailedWrite(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) error
}

// Pipeline wires the three collaborators behind a circuit breaker each,
// so a misbehaving backend degrades one flow instead of cascading.
type Pipeline struct {
	vector VectorSearcher
	chain  ChainWriter
	chat   Chatter
	graph  GraphProjector
	replay FailurePublisher

	vectorBreaker *resilience.Breaker
	chainBreaker  *resilience.Breaker
	llmBreaker    *resilience.Breaker

	log *slog.Logger
}

// New constructs a Pipeline. graph may be nil to disable the analytics
// projection supplement.
func New(vector VectorSearcher, chain ChainWriter, chat Chatter, graph GraphProjector, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		vector:        vector,
		chain:         chain,
		chat:          chat,
		graph:         graph,
		vectorBreaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		chainBreaker:  resilience.NewBreaker(resilience.DefaultBreakerOpts),
		llmBreaker:    resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:           log,
	}
}

// SetFailurePublisher wires an async replay path for chain writes that fail
// after their paired vector-store write already committed. Optional; a
// Pipeline with no publisher set simply logs and moves on.
func (p *Pipeline) SetFailurePublisher(fp FailurePublisher) {
	p.replay = fp
}

func (p *Pipeline) publishFailedWrite(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) {
	if p.replay == nil {
		return
	}
	if err := p.replay.PublishFailedWrite(ctx, opType, title, summary, tagsString, fingerprint); err != nil {
		p.log.Error("pipeline: failed to publish pending chain write for replay", "error", err)
	}
}

// ChainStatus reports the outcome of the Chain.writeLog step of a flow.
type ChainStatus struct {
	TxHash string
	Status string // "ok" or "chain_failed"
}

// InsertResult is Flow I's response.
type InsertResult struct {
	Vector   vectorstore.InsertOutcome
	Chain    ChainStatus
	Metadata metadata.Metadata
}

// SearchResult is Flow II's response.
type SearchResult struct {
	Results    []vectorstore.SearchHit
	MonadTx    *string
	NumResults int
}

// ChatResult is Flow III's response.
type ChatResult struct {
	Response     string
	MemoriesUsed []vectorstore.SearchHit
	NumMemories  int
	MonadTx      *string
}

// Insert runs Flow I: extract metadata, write to the vector store, then
// audit the write on chain. A vector-store failure aborts before any chain
// write (I7); a chain failure after a successful vector write is reported
// as a warning, not an error, since the vector write already happened and
// cannot be safely retried without duplication.
func (p *Pipeline) Insert(ctx context.Context, content, userTags, principal string) (InsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, insertDeadline)
	defer cancel()

	if err := domain.ValidateContent(content); err != nil {
		return InsertResult{}, err
	}
	if principal != "" && !scope.ValidatePrincipal(principal) {
		return InsertResult{}, domain.NewError(domain.KindBadRequest, "principal is malformed")
	}

	m, err := metadata.Extract(content, userTags)
	if err != nil {
		return InsertResult{}, err
	}

	vectorTag := scope.ScopeVectorTag(principal, m.Tags)
	vres, err := p.insertVector(ctx, vectorTag, content)
	if err != nil {
		return InsertResult{}, err
	}

	chainTags := scope.ScopeChainTags(principal, m.Tags)
	fp := metadata.FingerprintBytes(content)
	cres, err := p.writeChain(ctx, 0, m.Title, m.Summary, chainTags, fp)
	if err != nil {
		p.log.Warn("pipeline: insert audit write failed, vector write already durable", "error", err)
		p.publishFailedWrite(ctx, 0, m.Title, m.Summary, chainTags, fp)
		return InsertResult{
			Vector:   vres,
			Chain:    ChainStatus{Status: "chain_failed"},
			Metadata: m,
		}, nil
	}

	p.projectGraph(ctx, cres.ID, m.Title, 0, chainTags, principal)

	return InsertResult{
		Vector:   vres,
		Chain:    ChainStatus{TxHash: cres.TxHash, Status: "ok"},
		Metadata: m,
	}, nil
}

// Search runs Flow II: retrieve over-fetched hits, filter to the caller's
// principal, and audit the search. A failed audit write is logged but does
// not change the HTTP result.
func (p *Pipeline) Search(ctx context.Context, query string, k int, principal string) (SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, searchDeadline)
	defer cancel()

	filtered, err := p.searchOnly(ctx, query, k, principal)
	if err != nil {
		return SearchResult{}, err
	}

	title := "SEARCH: " + metadata.Truncate(query, 90)
	summary := fmt.Sprintf("k=%d; returned=%d", k, len(filtered))
	tagsString := "search," + strings.Join(metadata.AutoTagsOf(query), ",")
	tagsString = scope.ScopeChainTags(principal, strings.TrimSuffix(tagsString, ","))

	var monadTx *string
	fp := metadata.FingerprintBytes(query)
	cres, err := p.writeChain(ctx, 1, title, summary, tagsString, fp)
	if err != nil {
		p.log.Warn("pipeline: search audit write failed", "error", err)
		p.publishFailedWrite(ctx, 1, title, summary, tagsString, fp)
	} else {
		tx := cres.TxHash
		monadTx = &tx
		p.projectGraph(ctx, cres.ID, title, 1, tagsString, principal)
	}

	return SearchResult{Results: filtered, MonadTx: monadTx, NumResults: len(filtered)}, nil
}

// Chat runs Flow III: reuse Flow II's retrieval without its own audit write,
// call the LLM, then audit the exchange in a single chain write that
// subsumes the search's audit.
func (p *Pipeline) Chat(ctx context.Context, message string, k int, principal string) (ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, chatDeadline)
	defer cancel()

	if k < 3 {
		k = 3
	}
	hits, err := p.searchOnly(ctx, message, k, principal)
	if err != nil {
		return ChatResult{}, err
	}

	blocks := make([]llm.ContextBlock, len(hits))
	for i, h := range hits {
		blocks[i] = llm.ContextBlock{
			Index:     i,
			Relevance: h.Relevance,
			Tag:       scope.UnscopeVectorTag(principal, h.Tags),
			Text:      h.Content,
		}
	}

	answer, err := p.chatWithLLM(ctx, message, blocks)
	if err != nil {
		return ChatResult{}, err
	}

	title := metadata.Truncate(message, 100)
	summary := metadata.Truncate(answer, 200)
	tagsString := scope.ScopeChainTags(principal, mergeChatTags(metadata.AutoTagsOf(message)))
	fp := metadata.FingerprintBytes(message + "\n---\n" + answer)

	var monadTx *string
	cres, err := p.writeChain(ctx, 0, title, summary, tagsString, fp)
	if err != nil {
		p.log.Warn("pipeline: chat audit write failed", "error", err)
		p.publishFailedWrite(ctx, 0, title, summary, tagsString, fp)
	} else {
		tx := cres.TxHash
		monadTx = &tx
		p.projectGraph(ctx, cres.ID, title, 0, tagsString, principal)
	}

	return ChatResult{
		Response:     answer,
		MemoriesUsed: hits,
		NumMemories:  len(hits),
		MonadTx:      monadTx,
	}, nil
}

// searchOnly validates and runs Flow II's retrieval and principal filter
// without any audit write, shared between Search and Chat.
func (p *Pipeline) searchOnly(ctx context.Context, query string, k int, principal string) ([]vectorstore.SearchHit, error) {
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	if err := domain.ValidateTopK(k, domain.MaxTopK); err != nil {
		return nil, err
	}
	if principal != "" && !scope.ValidatePrincipal(principal) {
		return nil, domain.NewError(domain.KindBadRequest, "principal is malformed")
	}

	kRaw := k * 3
	if kRaw < 10 {
		kRaw = 10
	}

	hits, err := p.vectorSearch(ctx, query, kRaw)
	if err != nil {
		return nil, err
	}

	filtered := make([]vectorstore.SearchHit, 0, k)
	for _, h := range hits {
		if !scope.IsOwnedBy(h.Tags, principal) {
			continue
		}
		filtered = append(filtered, h)
		if len(filtered) == k {
			break
		}
	}
	return filtered, nil
}

func mergeChatTags(autoTags []string) string {
	seen := make(map[string]bool, len(autoTags)+1)
	merged := make([]string, 0, len(autoTags)+1)
	for _, t := range autoTags {
		if seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
	}
	if !seen["chat"] {
		merged = append(merged, "chat")
	}
	return strings.Join(merged, ",")
}

func (p *Pipeline) insertVector(ctx context.Context, tag, content string) (vectorstore.InsertOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, vectorCallTimeout)
	defer cancel()
	return callThrough(p.vectorBreaker, ctx, "vector", func(ctx context.Context) (vectorstore.InsertOutcome, error) {
		return p.vector.Insert(ctx, tag, content)
	})
}

func (p *Pipeline) vectorSearch(ctx context.Context, query string, kRaw int) ([]vectorstore.SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, vectorCallTimeout)
	defer cancel()
	return callThrough(p.vectorBreaker, ctx, "vector", func(ctx context.Context) ([]vectorstore.SearchHit, error) {
		return p.vector.Search(ctx, query, kRaw)
	})
}

func (p *Pipeline) writeChain(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) (chainlog.TxOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, chainCallTimeout)
	defer cancel()
	return callThrough(p.chainBreaker, ctx, "chain", func(ctx context.Context) (chainlog.TxOutcome, error) {
		return p.chain.WriteLog(ctx, opType, title, summary, tagsString, fingerprint)
	})
}

func (p *Pipeline) chatWithLLM(ctx context.Context, message string, blocks []llm.ContextBlock) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()
	return callThrough(p.llmBreaker, ctx, "llm", func(ctx context.Context) (string, error) {
		return p.chat.Chat(ctx, message, blocks)
	})
}

// projectGraph mirrors a committed audit record into the analytics graph.
// Failures are logged, never surfaced: the graph is a read-side supplement
// over facts the chain already made durable.
func (p *Pipeline) projectGraph(ctx context.Context, id int64, title string, opType int, tagsString, principal string) {
	if p.graph == nil {
		return
	}
	recordID := fmt.Sprintf("%d", id)
	if err := p.graph.Project(ctx, recordID, title, opType, time.Now().Unix(), tagsString, principal); err != nil {
		p.log.Warn("pipeline: graph projection failed", "error", err, "id", recordID)
	}
}

// callThrough runs f through breaker, translating a tripped breaker into a
// domain.KindRemoteUnavailable error tagged with backend; any other error
// from f is already classified by the collaborator that produced it.
func callThrough[T any](b *resilience.Breaker, ctx context.Context, backend string, f func(context.Context) (T, error)) (T, error) {
	var val T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, e := f(ctx)
		val = v
		return e
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return val, domain.Wrap(domain.KindRemoteUnavailable, backend+" circuit open", err).WithBackend(backend)
		}
		return val, err
	}
	return val, nil
}

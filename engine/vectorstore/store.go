// Package vectorstore wraps the vector-canister collaborator (C2): an
// embedding fetch followed by a Qdrant gRPC insert/search call.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kinic-gateway/memory-agent/engine/domain"
)

// VectorStore is the sole owner of the Qdrant connection and the embedding
// collaborator. One long-lived identity per process; every call carries it.
type VectorStore struct {
	conn       *grpc.ClientConn
	points     pb.PointsClient
	collection pb.CollectionsClient
	name       string
	embedder   Embedder
	log        *slog.Logger
}

// New dials Qdrant at addr and wraps it with embedder for the collection
// name.
func New(addr, collection string, embedder Embedder, log *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, domain.Wrap(domain.KindRemoteUnavailable, "dial qdrant", err).WithBackend("vector")
	}
	return &VectorStore{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		collection: pb.NewCollectionsClient(conn),
		name:       collection,
		embedder:   embedder,
		log:        log,
	}, nil
}

// Close releases the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// EnsureCollection creates the backing collection if it does not exist yet.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collection.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return domain.Wrap(domain.KindRemoteUnavailable, "list collections", err).WithBackend("vector")
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.name {
			return nil
		}
	}

	_, err = v.collection.Create(ctx, &pb.CreateCollection{
		CollectionName: v.name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return domain.Wrap(domain.KindRemoteUnavailable, "create collection", err).WithBackend("vector")
	}
	return nil
}

// Insert embeds content and upserts it under the full ScopedTag. The
// canister's contract is `tagged_text = tag + ": " + content` (spec §6).
func (v *VectorStore) Insert(ctx context.Context, tag string, content string) (InsertOutcome, error) {
	if tag == "" {
		return InsertOutcome{}, domain.NewError(domain.KindBadRequest, "tag must not be empty")
	}
	if len(content) > domain.MaxContentBytes {
		return InsertOutcome{}, domain.NewError(domain.KindPayloadTooLarge, "content exceeds 100 KiB")
	}

	embedding, err := v.embedder.Embed(ctx, content)
	if err != nil {
		return InsertOutcome{}, classifyTransport(err, "embed")
	}

	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(tag+":"+content)).String()
	taggedText := tag + ": " + content

	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: embedding}},
		},
		Payload: map[string]*pb.Value{
			"tag":     {Kind: &pb.Value_StringValue{StringValue: tag}},
			"content": {Kind: &pb.Value_StringValue{StringValue: taggedText}},
		},
	}

	wait := true
	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.name,
		Wait:           &wait,
		Points:         []*pb.PointStruct{point},
	})
	if err != nil {
		return InsertOutcome{}, classifyTransport(err, "upsert")
	}

	return InsertOutcome{Stored: true, ID: id}, nil
}

// Search performs k-NN similarity search against the collection, returning
// up to kRaw hits. It does not filter by principal; that is PrincipalScope's
// job (C6).
func (v *VectorStore) Search(ctx context.Context, query string, kRaw int) ([]SearchHit, error) {
	embedding, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, classifyTransport(err, "embed")
	}

	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.name,
		Vector:         embedding,
		Limit:          uint64(kRaw),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, classifyTransport(err, "search")
	}

	hits := make([]SearchHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := r.GetPayload()
		hits[i] = SearchHit{
			ID:        r.GetId().GetUuid(),
			Score:     r.GetScore(),
			Relevance: r.GetScore(),
			Tags:      payload["tag"].GetStringValue(),
			Content:   payload["content"].GetStringValue(),
		}
	}
	return hits, nil
}

// classifyTransport maps a rejected gRPC identity to KindUnauthorized rather
// than a distinct "KindAuthority" kind — §7's Kind enum is the closed,
// canonical taxonomy and takes precedence over §4.2's naming (see DESIGN.md).
func classifyTransport(err error, op string) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return domain.Wrap(domain.KindUnauthorized, "vector identity rejected", err).WithBackend("vector")
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return domain.Wrap(domain.KindRemoteUnavailable, fmt.Sprintf("vector %s unavailable", op), err).WithBackend("vector")
		default:
			return domain.Wrap(domain.KindRemoteRejected, fmt.Sprintf("vector %s rejected", op), err).WithBackend("vector")
		}
	}
	return domain.Wrap(domain.KindRemoteUnavailable, fmt.Sprintf("vector %s transport error", op), err).WithBackend("vector")
}

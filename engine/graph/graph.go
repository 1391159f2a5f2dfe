package graph

import (
	"context"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kinic-gateway/memory-agent/pkg/repo"
)

// AuditGraph owns the Neo4j projection of audit records into a
// Principal/Record/Tag graph and the analytics queries over it.
type AuditGraph struct {
	driver  neo4j.DriverWithContext
	records *repo.Neo4jRepo[RecordNode, string]
}

// New creates an AuditGraph backed by driver.
func New(driver neo4j.DriverWithContext) *AuditGraph {
	return &AuditGraph{driver: driver, records: newRecordRepo(driver)}
}

// GetRecord returns the Record node projected for a given chain id via the
// generic Neo4j repository.
func (g *AuditGraph) GetRecord(ctx context.Context, id string) (RecordNode, error) {
	return g.records.Get(ctx, id)
}

// Project merges one audit record into the graph: a Principal node (if
// principal is present), a Record node, a WROTE edge between them, and a
// TAGGED edge to each non-empty, non-`principal:`-prefixed tag.
func (g *AuditGraph) Project(ctx context.Context, id string, title string, opType int, timestamp int64, tagsString string, principal string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MERGE (n:Record {id: $id}) SET n.title = $title, n.op_type = $opType, n.timestamp = $timestamp`,
			map[string]any{"id": id, "title": title, "opType": opType, "timestamp": timestamp}); err != nil {
			return nil, err
		}

		if principal != "" {
			if _, err := tx.Run(ctx,
				`MERGE (p:Principal {id: $principal})
				 WITH p
				 MATCH (r:Record {id: $id})
				 MERGE (p)-[:WROTE]->(r)`,
				map[string]any{"principal": principal, "id": id}); err != nil {
				return nil, err
			}
		}

		for _, tag := range splitTags(tagsString) {
			if _, err := tx.Run(ctx,
				`MERGE (t:Tag {id: $tag})
				 WITH t
				 MATCH (r:Record {id: $id})
				 MERGE (r)-[:TAGGED]->(t)`,
				map[string]any{"tag": tag, "id": id}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// TagCooccurrence returns the tags most frequently co-attached to tag on
// the same record, ranked by frequency.
func (g *AuditGraph) TagCooccurrence(ctx context.Context, tag string, limit int) ([]TagCount, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (:Tag {id: $tag})<-[:TAGGED]-(r:Record)-[:TAGGED]->(other:Tag)
		 WHERE other.id <> $tag
		 RETURN other.id AS tag, count(r) AS cnt
		 ORDER BY cnt DESC
		 LIMIT $limit`,
		map[string]any{"tag": tag, "limit": limit})
	if err != nil {
		return nil, err
	}
	return collectTagCounts(ctx, result)
}

// PrincipalActivity returns the tags principal has written most, ranked by
// frequency — a read-only view over facts the audit log already publishes.
func (g *AuditGraph) PrincipalActivity(ctx context.Context, principal string, limit int) ([]TagCount, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (:Principal {id: $principal})-[:WROTE]->(:Record)-[:TAGGED]->(t:Tag)
		 RETURN t.id AS tag, count(t) AS cnt
		 ORDER BY cnt DESC
		 LIMIT $limit`,
		map[string]any{"principal": principal, "limit": limit})
	if err != nil {
		return nil, err
	}
	return collectTagCounts(ctx, result)
}

func collectTagCounts(ctx context.Context, result neo4j.ResultWithContext) ([]TagCount, error) {
	var out []TagCount
	for result.Next(ctx) {
		rec := result.Record()
		tag, _, err := neo4j.GetRecordValue[string](rec, "tag")
		if err != nil {
			return nil, err
		}
		cnt, _, err := neo4j.GetRecordValue[int64](rec, "cnt")
		if err != nil {
			return nil, err
		}
		out = append(out, TagCount{Tag: tag, Count: cnt})
	}
	return out, nil
}

func splitTags(tagsString string) []string {
	var out []string
	for _, t := range strings.Split(tagsString, ",") {
		t = strings.TrimSpace(t)
		if t == "" || strings.HasPrefix(t, "principal:") {
			continue
		}
		out = append(out, t)
	}
	return out
}

package graph

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/kinic-gateway/memory-agent/pkg/repo"
)

// newRecordRepo creates a Neo4j-backed repository for Record nodes.
func newRecordRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[RecordNode, string] {
	return repo.NewNeo4jRepo[RecordNode, string](
		driver,
		"Record",
		recordToMap,
		recordFromRecord,
	)
}

func recordToMap(r RecordNode) map[string]any {
	return map[string]any{
		"id":        r.ID,
		"title":     r.Title,
		"op_type":   r.OpType,
		"timestamp": r.Timestamp,
	}
}

func recordFromRecord(rec *neo4j.Record) (RecordNode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return RecordNode{}, err
	}
	props := node.Props
	return RecordNode{
		ID:        strProp(props, "id"),
		Title:     strProp(props, "title"),
		OpType:    intProp(props, "op_type"),
		Timestamp: int64Prop(props, "timestamp"),
	}, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intProp(props map[string]any, key string) int {
	if v, ok := props[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func int64Prop(props map[string]any, key string) int64 {
	if v, ok := props[key]; ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

package backend

import (
	"context"
	"database/sql"
	"sort"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	doc_id TEXT NOT NULL,
	term   TEXT NOT NULL,
	weight INTEGER NOT NULL,
	PRIMARY KEY (doc_id, term)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	doc_id TEXT NOT NULL,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	weight INTEGER NOT NULL,
	PRIMARY KEY (doc_id, source, target)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target);
`

// Neighbor is a term linked to the queried term, weighted by how many
// chunks mention both.
type Neighbor struct {
	Term   string
	Weight int
}

// GraphBackend maintains a term co-occurrence graph: terms are nodes and two
// terms are linked when they appear in the same chunk.
type GraphBackend struct {
	db *sql.DB
}

// NewGraphBackend creates the graph tables on db if needed.
// The caller owns db.
func NewGraphBackend(db *sql.DB) (*GraphBackend, error) {
	if _, err := db.Exec(graphSchema); err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "create graph schema", err)
	}
	return &GraphBackend{db: db}, nil
}

// Type implements Backend.
func (g *GraphBackend) Type() model.IndexType { return model.IndexTypeGraph }

// Create implements Backend.
func (g *GraphBackend) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return g.replace(ctx, docID, prepared)
}

// Update implements Backend.
func (g *GraphBackend) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return g.replace(ctx, docID, prepared)
}

type edgeKey struct{ source, target string }

func (g *GraphBackend) replace(ctx context.Context, docID string, prepared *model.Prepared) Result {
	if prepared == nil {
		return Failed(errors.Permanent(errors.ValidationError("graph: nothing prepared for "+docID, nil)))
	}

	nodes := make(map[string]int)
	edges := make(map[edgeKey]int)
	for _, c := range prepared.Chunks {
		terms := dedupe(c.Terms)
		for i, a := range terms {
			nodes[a]++
			for _, b := range terms[i+1:] {
				edges[edgeKey{a, b}]++
			}
		}
	}

	err := withTx(ctx, g.db, "graph replace", func(tx *sql.Tx) error {
		if err := clearGraph(ctx, tx, docID); err != nil {
			return err
		}
		for term, w := range nodes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO graph_nodes (doc_id, term, weight) VALUES (?, ?, ?)`, docID, term, w); err != nil {
				return sqlError("graph insert node", err)
			}
		}
		for e, w := range edges {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO graph_edges (doc_id, source, target, weight) VALUES (?, ?, ?, ?)`,
				docID, e.source, e.target, w); err != nil {
				return sqlError("graph insert edge", err)
			}
		}
		return nil
	})
	if err != nil {
		return Failed(err)
	}
	return Succeeded(encodePayload(map[string]int{"nodes": len(nodes), "edges": len(edges)}))
}

// Delete implements Backend.
func (g *GraphBackend) Delete(ctx context.Context, docID string) Result {
	err := withTx(ctx, g.db, "graph delete", func(tx *sql.Tx) error {
		return clearGraph(ctx, tx, docID)
	})
	if err != nil {
		return Failed(err)
	}
	return Succeeded(encodePayload(map[string]string{"document_id": docID}))
}

func clearGraph(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE doc_id = ?`, docID); err != nil {
		return sqlError("graph delete edges", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE doc_id = ?`, docID); err != nil {
		return sqlError("graph delete nodes", err)
	}
	return nil
}

// Neighbors returns the terms most strongly linked to term across all
// documents, heaviest first.
func (g *GraphBackend) Neighbors(ctx context.Context, term string, limit int) ([]Neighbor, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT other, SUM(weight) AS w FROM (
			SELECT target AS other, weight FROM graph_edges WHERE source = ?
			UNION ALL
			SELECT source AS other, weight FROM graph_edges WHERE target = ?
		)
		GROUP BY other
		ORDER BY w DESC, other ASC
		LIMIT ?`, term, term, limit)
	if err != nil {
		return nil, sqlError("graph neighbors", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Term, &n.Weight); err != nil {
			return nil, sqlError("graph scan", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close implements Backend. The shared database is closed by the registry.
func (g *GraphBackend) Close() error { return nil }

// dedupe returns the distinct terms sorted so that edges are stored with
// source < target.
func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var _ Backend = (*GraphBackend)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDanglingEntry indicates a vec table row whose entry id no longer
// resolves to a mapping, chunk, or document row.
var ErrDanglingEntry = errors.New("store: index entry missing its mapping row")

// indexTables maps a granularity to its mapping and vec table names.
func indexTables(granularity string) (mapTable, vecTable string, err error) {
	switch granularity {
	case "section":
		return "section_index_map", "vec_sections", nil
	case "paragraph":
		return "paragraph_index_map", "vec_paragraphs", nil
	default:
		return "", "", fmt.Errorf("unknown index granularity %q", granularity)
	}
}

// InsertDocumentEmbeddings writes one document's section and paragraph
// embeddings into the mapping and vec tables in a single transaction:
// either the whole document becomes searchable or nothing does.
func (s *Store) InsertDocumentEmbeddings(ctx context.Context, docID string, sections, paragraphs []IndexEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertEntries(ctx, tx, "section", sections); err != nil {
			return err
		}
		return insertEntries(ctx, tx, "paragraph", paragraphs)
	})
}

func insertEntries(ctx context.Context, tx *sql.Tx, granularity string, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	mapTable, vecTable, err := indexTables(granularity)
	if err != nil {
		return err
	}

	mapStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (chunk_id, document_id, embedding) VALUES (?, ?, ?)", mapTable))
	if err != nil {
		return err
	}
	defer mapStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (entry_id, embedding) VALUES (?, ?)", vecTable))
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	for _, e := range entries {
		blob := serializeFloat32(e.Embedding)
		res, err := mapStmt.ExecContext(ctx, e.ChunkID, e.DocumentID, blob)
		if err != nil {
			return fmt.Errorf("mapping %s: %w", e.ChunkID, err)
		}
		entryID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := vecStmt.ExecContext(ctx, entryID, blob); err != nil {
			return fmt.Errorf("indexing %s: %w", e.ChunkID, err)
		}
	}
	return nil
}

// DeleteDocumentEmbeddings removes a document's entries from both
// indexes in one transaction. Deleting an absent document is a no-op.
func (s *Store) DeleteDocumentEmbeddings(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, granularity := range []string{"section", "paragraph"} {
			mapTable, vecTable, err := indexTables(granularity)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE entry_id IN (SELECT entry_id FROM %s WHERE document_id = ?)",
				vecTable, mapTable), docID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE document_id = ?", mapTable), docID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchIndex performs a KNN search on one vector index, joining the
// mapping table and chunk store for provenance. Ties on distance break
// by insertion order (entry_id), oldest first. Score is 1 - cosine
// distance. A hit whose provenance rows are gone returns
// ErrDanglingEntry so the caller can rebuild the index.
func (s *Store) SearchIndex(ctx context.Context, granularity string, query []float32, k int) ([]Hit, error) {
	mapTable, vecTable, err := indexTables(granularity)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT v.entry_id, v.distance,
			(m.entry_id IS NULL OR c.id IS NULL OR d.id IS NULL),
			COALESCE(m.chunk_id, ''), COALESCE(m.document_id, ''),
			COALESCE(c.section_id, 0), COALESCE(c.section_chunk_id, ''),
			COALESCE(c.content, ''), COALESCE(c.section_type, ''),
			COALESCE(c.section_path, '[]'), COALESCE(c.start_offset, 0),
			COALESCE(c.end_offset, 0), COALESCE(c.page_number, 0),
			COALESCE(d.filename, '')
		FROM %s v
		LEFT JOIN %s m ON m.entry_id = v.entry_id
		LEFT JOIN chunks c ON c.id = m.chunk_id
		LEFT JOIN documents d ON d.id = m.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, v.entry_id
	`, vecTable, mapTable), serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		var dangling bool
		var pathJSON string
		if err := rows.Scan(&h.EntryID, &distance, &dangling, &h.ChunkID, &h.DocumentID,
			&h.SectionID, &h.SectionChunkID, &h.Content, &h.SectionType,
			&pathJSON, &h.StartOffset, &h.EndOffset, &h.PageNumber,
			&h.Filename); err != nil {
			return nil, err
		}
		if dangling {
			return nil, fmt.Errorf("%w: entry %d in %s", ErrDanglingEntry, h.EntryID, vecTable)
		}
		if err := json.Unmarshal([]byte(pathJSON), &h.SectionPath); err != nil {
			return nil, fmt.Errorf("decoding section path: %w", err)
		}
		// Convert distance to similarity score (1 - distance for cosine)
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RebuildIndex drops and repopulates one vec table from its mapping
// table, restoring the search structure from the durable embeddings.
func (s *Store) RebuildIndex(ctx context.Context, granularity string) error {
	mapTable, vecTable, err := indexTables(granularity)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s", vecTable)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (entry_id, embedding) SELECT entry_id, embedding FROM %s",
			vecTable, mapTable))
		return err
	})
}

// IndexKeySets returns the entry ids present in the mapping table and
// in the vec table, for consistency checking.
func (s *Store) IndexKeySets(ctx context.Context, granularity string) (mapIDs, vecIDs []int64, err error) {
	mapTable, vecTable, err := indexTables(granularity)
	if err != nil {
		return nil, nil, err
	}
	mapIDs, err = s.queryIDs(ctx, fmt.Sprintf("SELECT entry_id FROM %s ORDER BY entry_id", mapTable))
	if err != nil {
		return nil, nil, err
	}
	vecIDs, err = s.queryIDs(ctx, fmt.Sprintf("SELECT entry_id FROM %s ORDER BY entry_id", vecTable))
	if err != nil {
		return nil, nil, err
	}
	return mapIDs, vecIDs, nil
}

// IndexedChunkIDs returns the chunk ids currently mapped for one
// index, in insertion order.
func (s *Store) IndexedChunkIDs(ctx context.Context, granularity string) ([]string, error) {
	mapTable, _, err := indexTables(granularity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT chunk_id FROM %s ORDER BY entry_id", mapTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

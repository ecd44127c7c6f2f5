package persistence

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ColdFact is an evicted hot fact plus its fixed-dimension embedding
// (spec.md §3 "Cold fact"). Embeddings are stored as raw little-endian
// float32 bytes.
type ColdFact struct {
	RowID      int64
	Text       string
	CreatedAt  time.Time
	ArchivedAt time.Time
	Embedding  []float32
}

// InsertColdFact archives a fact with its embedding.
func (s *Store) InsertColdFact(ctx context.Context, text string, createdAt time.Time, embedding []float32) (int64, error) {
	if err := s.requireHippocampus(); err != nil {
		return 0, err
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO cold_facts (text, created_at, archived_at, embedding)
			VALUES (?, ?, CURRENT_TIMESTAMP, ?);
		`, text, createdAt, encodeEmbedding(embedding))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// DeleteColdFact removes a cold fact (used on promotion back to hot).
func (s *Store) DeleteColdFact(ctx context.Context, rowID int64) error {
	if err := s.requireHippocampus(); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cold_facts WHERE rowid = ?;`, rowID)
		return err
	})
}

// AllColdFacts loads every cold fact for brute-force KNN search. The cold
// archive is expected to stay small relative to a single agent's lifetime;
// see internal/hippocampus for the search layer built on top of this.
func (s *Store) AllColdFacts(ctx context.Context) ([]ColdFact, error) {
	if err := s.requireHippocampus(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT rowid, text, created_at, archived_at, embedding FROM cold_facts;`)
	if err != nil {
		return nil, fmt.Errorf("query cold facts: %w", err)
	}
	defer rows.Close()

	var out []ColdFact
	for rows.Next() {
		var cf ColdFact
		var embRaw []byte
		if err := rows.Scan(&cf.RowID, &cf.Text, &cf.CreatedAt, &cf.ArchivedAt, &embRaw); err != nil {
			return nil, fmt.Errorf("scan cold fact: %w", err)
		}
		cf.Embedding = decodeEmbedding(embRaw)
		out = append(out, cf)
	}
	return out, rows.Err()
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Package postgres provides a PostgreSQL-backed [cliplib.Store].
//
// Clips are stored as raw PCM with their quality record and a pgvector
// feature column (normalised pitch, tempo, clarity, emotional range) so that
// acoustically similar clips can be found with [Store.NearestClips]. The
// pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	lib := cliplib.New(cliplib.WithStore(store))
//	_, err = lib.Hydrate(ctx)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// Compile-time interface check.
var _ cliplib.Store = (*Store)(nil)

// FeatureDimensions is the length of the stored feature vector.
const FeatureDimensions = 4

// Feature normalisation scales. Pitch and tempo are divided by these so every
// vector component lives roughly in [0, 1].
const (
	pitchScale = 400.0
	tempoScale = 10.0
)

// Store persists clips in PostgreSQL. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("clip store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("clip store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Features returns the normalised feature vector stored for clip.
func Features(clip audio.Clip) []float32 {
	f := audio.AnalyzeClip(clip)
	return []float32{
		float32(f.Pitch / pitchScale),
		float32(f.Tempo / tempoScale),
		float32(clip.Quality().Clarity),
		float32(f.NormalizedDynamicRange()),
	}
}

// SaveClip implements [cliplib.Store].
func (s *Store) SaveClip(ctx context.Context, speaker string, clip audio.Clip, category audio.Category) error {
	const q = `
		INSERT INTO voice_clips
		    (id, speaker, category, pcm, sample_rate,
		     clarity, naturalness, emotional_match, recorded_at, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	qual := clip.Quality()
	_, err := s.pool.Exec(ctx, q,
		clip.ID(),
		speaker,
		category.String(),
		clip.PCM(),
		clip.SampleRate(),
		qual.Clarity,
		qual.Naturalness,
		qual.EmotionalMatch,
		clip.RecordedAt(),
		pgvector.NewVector(Features(clip)),
	)
	if err != nil {
		return fmt.Errorf("clip store: save %s: %w", clip.ID(), err)
	}
	return nil
}

// DeleteClip implements [cliplib.Store].
func (s *Store) DeleteClip(ctx context.Context, speaker, clipID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM voice_clips WHERE speaker = $1 AND id = $2`, speaker, clipID)
	if err != nil {
		return fmt.Errorf("clip store: delete %s: %w", clipID, err)
	}
	return nil
}

// LoadAll implements [cliplib.Store]. Clips are returned in insertion order.
func (s *Store) LoadAll(ctx context.Context) ([]cliplib.StoredClip, error) {
	const q = `
		SELECT id, speaker, category, pcm, sample_rate,
		       clarity, naturalness, emotional_match, recorded_at
		FROM voice_clips
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("clip store: load: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanStoredClip)
	if err != nil {
		return nil, fmt.Errorf("clip store: scan: %w", err)
	}
	return out, nil
}

// NearestClips returns up to k of speaker's clips whose feature vectors are
// closest (L2) to target, nearest first.
func (s *Store) NearestClips(ctx context.Context, speaker string, target []float32, k int) ([]cliplib.StoredClip, error) {
	if len(target) != FeatureDimensions {
		return nil, fmt.Errorf("clip store: feature vector has %d dimensions, want %d", len(target), FeatureDimensions)
	}
	const q = `
		SELECT id, speaker, category, pcm, sample_rate,
		       clarity, naturalness, emotional_match, recorded_at
		FROM voice_clips
		WHERE speaker = $1
		ORDER BY features <-> $2
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, speaker, pgvector.NewVector(target), k)
	if err != nil {
		return nil, fmt.Errorf("clip store: nearest: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanStoredClip)
	if err != nil {
		return nil, fmt.Errorf("clip store: scan: %w", err)
	}
	return out, nil
}

func scanStoredClip(row pgx.CollectableRow) (cliplib.StoredClip, error) {
	var (
		id, speaker, category string
		pcm                   []byte
		rate                  int
		q                     audio.Quality
		recordedAt            time.Time
	)
	if err := row.Scan(&id, &speaker, &category, &pcm, &rate,
		&q.Clarity, &q.Naturalness, &q.EmotionalMatch, &recordedAt); err != nil {
		return cliplib.StoredClip{}, err
	}
	cat, err := audio.ParseCategory(category)
	if err != nil {
		return cliplib.StoredClip{}, err
	}
	clip, err := audio.RestoreClip(id, pcm, rate, q, recordedAt)
	if err != nil {
		return cliplib.StoredClip{}, err
	}
	return cliplib.StoredClip{Speaker: speaker, Category: cat, Clip: clip}, nil
}

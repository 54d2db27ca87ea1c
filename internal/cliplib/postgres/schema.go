package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlClips creates the clip table. seq preserves insertion order across
// speakers; features is indexed for nearest-neighbour lookups.
var ddlClips = fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_clips (
    seq              BIGSERIAL    NOT NULL,
    id               TEXT         PRIMARY KEY,
    speaker          TEXT         NOT NULL,
    category         TEXT         NOT NULL CHECK (category IN ('gameplay', 'interview', 'casual')),
    pcm              BYTEA        NOT NULL,
    sample_rate      INTEGER      NOT NULL CHECK (sample_rate > 0),
    clarity          DOUBLE PRECISION NOT NULL,
    naturalness      DOUBLE PRECISION NOT NULL,
    emotional_match  DOUBLE PRECISION NOT NULL,
    recorded_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    features         vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_voice_clips_speaker_seq
    ON voice_clips (speaker, seq);

CREATE INDEX IF NOT EXISTS idx_voice_clips_features
    ON voice_clips USING hnsw (features vector_l2_ops);
`, FeatureDimensions)

// Migrate creates or ensures the clip table and the pgvector extension exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlClips); err != nil {
		return fmt.Errorf("clip store migrate: %w", err)
	}
	return nil
}

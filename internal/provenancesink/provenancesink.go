// Package provenancesink mirrors DossierProvenance rows into ClickHouse for
// operator analytics (SPEC_FULL.md §11: "how many APPEND vs CREATE over
// time"). The KV's dossier_provenance table stays the single source of
// truth; this mirror is best-effort, asynchronous, and never on the path of
// a DossierRouter.Route call — a ClickHouse outage never affects
// correctness, only the analytics dashboard built on top of it.
package provenancesink

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS hmlr_dossier_provenance (
	prov_id String,
	dossier_id String,
	operation String,
	source_block_id String,
	timestamp DateTime64(3),
	payload String
) ENGINE = MergeTree()
ORDER BY (dossier_id, timestamp)
`

// Sink mirrors provenance entries into ClickHouse. A nil *Sink is valid and
// a no-op, matching the Redis cache's "disabled means nil" convention.
type Sink struct {
	conn clickhouse.Conn
}

// New opens a ClickHouse connection and ensures the mirror table exists.
// Returns (nil, nil) when cfg.Enabled is false.
func New(ctx context.Context, cfg hmlrconfig.ProvenanceConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("provenance sink: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("provenance sink: open connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("provenance sink: ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableDDL); err != nil {
		return nil, fmt.Errorf("provenance sink: create table: %w", err)
	}
	return &Sink{conn: conn}, nil
}

// Close releases the underlying connection. Safe on a nil Sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.conn.Close()
}

// Mirror asynchronously writes entry to ClickHouse. It never blocks the
// caller's transaction and never returns an error to it; failures are
// logged and dropped, per this sink's best-effort contract.
func (s *Sink) Mirror(ctx context.Context, entry hmlrmodels.DossierProvenanceEntry) {
	if s == nil {
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sourceBlockID := ""
		if entry.SourceBlockID != nil {
			sourceBlockID = *entry.SourceBlockID
		}
		err := s.conn.Exec(writeCtx,
			"INSERT INTO hmlr_dossier_provenance (prov_id, dossier_id, operation, source_block_id, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)",
			entry.ProvID, entry.DossierID, string(entry.Operation), sourceBlockID, entry.Timestamp, entry.Payload,
		)
		if err != nil {
			hmlrlog.FromContext(ctx).Warn().Err(err).Str("dossier_id", entry.DossierID).Msg("provenance sink: mirror write failed; KV copy remains authoritative")
		}
	}()
}

// Package archive implements the cold-storage export maintenance operation
// named in SPEC_FULL.md §11: CLOSED blocks past a retention window are
// written to S3 as newline-delimited JSON so they stay retrievable from cold
// storage; the export does not remove them from the hot KV's daily_ledger
// table. The AWS SDK wiring below
// follows the same aws-sdk-go-v2 construction sequence (LoadDefaultConfig,
// region, client construction) as this codebase's internal/objectstore S3
// client, rewritten against this module's own configuration type instead of
// pulling in that package's unrelated project-storage config surface.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
)

// record is one S3 object's content: a CLOSED block plus everything a
// reader would need to reconstruct its conversation without the hot KV.
type record struct {
	Block    hmlrmodels.BridgeBlock   `json:"block"`
	Metadata hmlrmodels.BlockMetadata `json:"metadata"`
	Turns    []hmlrmodels.Turn        `json:"turns"`
	Facts    []hmlrmodels.Fact        `json:"facts"`
}

// S3Exporter writes cold-storage archives to a single S3 bucket.
type S3Exporter struct {
	client *s3.Client
	bucket string
}

// NewS3Exporter constructs an S3Exporter from cfg. Credentials are resolved
// through the standard AWS credential chain (environment, shared config,
// instance role); archive export is an operator-triggered maintenance
// command, not a hot-path dependency, so there is no in-process credential
// override here.
func NewS3Exporter(ctx context.Context, cfg hmlrconfig.ArchiveConfig) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &S3Exporter{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket}, nil
}

// ExportClosedBlocks archives every CLOSED block last touched more than
// retention ago: one S3 object per block, keyed "blocks/<block_id>.ndjson".
// Exported blocks are left in place in the KV — archiving only makes them
// retrievable from cold storage; a separate, explicit retention-trim
// operation (not implemented here) would be needed to actually delete them,
// so a failed upload for one block never loses data, it just leaves that
// block to retry on the next export pass.
func (a *S3Exporter) ExportClosedBlocks(ctx context.Context, kv store.KV, retention time.Duration) (int, error) {
	log := hmlrlog.FromContext(ctx)
	cutoff := time.Now().Add(-retention)

	blocks, err := kv.ListClosedBlocksBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: list closed blocks: %w", err)
	}

	n := 0
	for _, block := range blocks {
		rec, err := a.buildRecord(ctx, kv, block)
		if err != nil {
			log.Warn().Err(err).Str("block_id", block.BlockID).Msg("archive: failed to assemble record, skipping")
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			log.Warn().Err(err).Str("block_id", block.BlockID).Msg("archive: failed to encode record, skipping")
			continue
		}
		key := fmt.Sprintf("blocks/%s.ndjson", block.BlockID)
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(append(data, '\n')),
			ContentType: aws.String("application/x-ndjson"),
		}); err != nil {
			log.Warn().Err(err).Str("block_id", block.BlockID).Msg("archive: s3 upload failed, leaving block for next pass")
			continue
		}
		n++
	}
	return n, nil
}

func (a *S3Exporter) buildRecord(ctx context.Context, kv store.KV, block hmlrmodels.BridgeBlock) (record, error) {
	turns, err := kv.GetTurnsForBlock(ctx, block.BlockID)
	if err != nil {
		return record{}, fmt.Errorf("load turns: %w", err)
	}
	facts, err := kv.GetFactsForBlock(ctx, block.BlockID)
	if err != nil {
		return record{}, fmt.Errorf("load facts: %w", err)
	}
	meta, err := kv.GetBlockMetadata(ctx, block.BlockID)
	if err != nil {
		return record{}, fmt.Errorf("load metadata: %w", err)
	}
	return record{Block: block, Metadata: meta, Turns: turns, Facts: facts}, nil
}

// Package pipeline wires queue jobs to collectors, validation, the trust
// filter and persistence. Its handlers are what the worker pool runs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/collector"
	"github.com/kudoshq/ingestd/internal/ingest"
	"github.com/kudoshq/ingestd/internal/metrics"
	"github.com/kudoshq/ingestd/internal/sanitize"
	"github.com/kudoshq/ingestd/internal/trust"
)

// Queue names the pipeline registers handlers for.
const (
	QueueCollect = "collect"
	QueueApprove = "approve"
	QueueNotify  = "notify"
)

// CollectionPayload is the payload of a collect job.
type CollectionPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ApprovalPayload is the payload of an approve job: a record was approved in
// the dashboard, so published content must be rebuilt.
type ApprovalPayload struct {
	RecordID string `json:"record_id"`
}

// NotificationPayload is the payload of a notify job.
type NotificationPayload struct {
	ConnectionID string `json:"connection_id"`
	Count        int    `json:"count"`
}

// Pipeline owns the job handlers. Notifier, rebuild trigger and archive are
// optional collaborators: the pipeline checks for presence before calling.
type Pipeline struct {
	connections ingest.ConnectionStore
	records     ingest.RecordStore
	collectors  *collector.Registry
	notifier    ingest.Notifier
	rebuild     ingest.RebuildTrigger
	archive     ingest.Archive
	logger      *zap.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Notifier ingest.Notifier
	Rebuild  ingest.RebuildTrigger
	Archive  ingest.Archive
}

// New constructs a Pipeline.
func New(connections ingest.ConnectionStore, records ingest.RecordStore, collectors *collector.Registry, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		connections: connections,
		records:     records,
		collectors:  collectors,
		notifier:    opts.Notifier,
		rebuild:     opts.Rebuild,
		archive:     opts.Archive,
		logger:      logger,
	}
}

// HandleCollection runs one collection job end to end: scrape, archive,
// sanitize, trust-filter, persist, then fan out downstream notifications.
func (p *Pipeline) HandleCollection(ctx context.Context, job ingest.Job) error {
	var payload CollectionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode collection payload: %w", err)
	}
	if payload.ConnectionID == "" {
		return fmt.Errorf("collection payload missing connection_id")
	}

	conn, err := p.connections.Connection(ctx, payload.ConnectionID)
	if err != nil {
		return err
	}
	if err := p.connections.UpdateConnectionStatus(ctx, conn.ID, ingest.ConnectionScraping, ""); err != nil {
		return err
	}

	adapter, err := p.collectors.For(conn.Platform)
	if err != nil {
		p.markFailed(ctx, conn.ID, err)
		return err
	}

	result, err := adapter.Scrape(ctx, conn)
	if err != nil {
		p.markFailed(ctx, conn.ID, err)
		return err
	}
	metrics.AddCollectorErrors(conn.Platform, len(result.Errors))
	for _, msg := range result.Errors {
		p.logger.Warn("partial collector failure",
			zap.String("connection_id", conn.ID),
			zap.String("platform", conn.Platform),
			zap.String("error", msg),
		)
	}

	p.archiveRun(ctx, conn.ID, result.Records)

	accepted := p.filter(conn.Platform, result.Records)

	inserted, err := p.records.InsertRecords(ctx, accepted)
	if err != nil {
		p.markFailed(ctx, conn.ID, err)
		return err
	}
	metrics.AddRecordsIngested(conn.Platform, inserted)

	if err := p.connections.UpdateConnectionStatus(ctx, conn.ID, ingest.ConnectionActive, ""); err != nil {
		return err
	}

	p.logger.Info("collection run finished",
		zap.String("connection_id", conn.ID),
		zap.String("platform", conn.Platform),
		zap.Int("scraped", len(result.Records)),
		zap.Int("accepted", len(accepted)),
		zap.Int("inserted", inserted),
	)

	if inserted > 0 {
		p.fanOut(ctx, conn.ID, inserted)
	}
	return nil
}

// HandleApproval fires the rebuild trigger for an approved record.
func (p *Pipeline) HandleApproval(ctx context.Context, job ingest.Job) error {
	var payload ApprovalPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode approval payload: %w", err)
	}
	if p.rebuild == nil {
		return nil
	}
	if err := p.rebuild.Trigger(ctx, fmt.Sprintf("record %s approved", payload.RecordID)); err != nil {
		return fmt.Errorf("trigger rebuild: %w", err)
	}
	return nil
}

// HandleNotification delivers a deferred new-records notification.
func (p *Pipeline) HandleNotification(ctx context.Context, job ingest.Job) error {
	var payload NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	if p.notifier == nil {
		return nil
	}
	if err := p.notifier.NotifyNewRecords(ctx, payload.ConnectionID, payload.Count); err != nil {
		return fmt.Errorf("notify new records: %w", err)
	}
	return nil
}

// filter sanitizes, validates and trust-gates scraped records, stamping the
// advisory trust score into the metadata of those that pass.
func (p *Pipeline) filter(platform string, scraped []ingest.RawRecord) []ingest.RawRecord {
	valid, invalid := sanitize.Batch(scraped)
	for _, inv := range invalid {
		metrics.AddRecordInvalid(platform)
		p.logger.Debug("record failed validation",
			zap.String("platform", platform),
			zap.String("source_external_id", inv.Record.SourceExternalID),
			zap.Strings("errors", inv.Errors),
		)
	}

	accepted := make([]ingest.RawRecord, 0, len(valid))
	for _, rec := range valid {
		author := authorFromRecord(rec)
		if v := trust.ShouldReject(rec.Text, author); v.Reject {
			metrics.AddRecordRejected(platform, v.Reason)
			p.logger.Debug("record rejected by trust filter",
				zap.String("platform", platform),
				zap.String("source_external_id", rec.SourceExternalID),
				zap.String("reason", v.Reason),
			)
			continue
		}
		score := trust.Score(rec.Text, author)
		meta := make(map[string]string, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta["trust_score"] = strconv.FormatFloat(score, 'f', 2, 64)
		rec.Metadata = meta
		accepted = append(accepted, rec)
	}
	return accepted
}

// authorFromRecord rebuilds the account signals adapters stash in metadata.
func authorFromRecord(rec ingest.RawRecord) ingest.Author {
	author := ingest.Author{
		Name:   rec.AuthorName,
		Handle: rec.AuthorHandle,
		Bio:    rec.Metadata["author_bio"],
	}
	if v, err := strconv.Atoi(rec.Metadata["author_followers"]); err == nil {
		author.Followers = v
	}
	if v, err := strconv.Atoi(rec.Metadata["author_following"]); err == nil {
		author.Following = v
	}
	if rec.Metadata["author_verified"] == "true" {
		author.Verified = true
	}
	if t, err := time.Parse(time.RFC3339, rec.Metadata["author_created_at"]); err == nil {
		author.CreatedAt = &t
	}
	return author
}

func (p *Pipeline) archiveRun(ctx context.Context, connectionID string, records []ingest.RawRecord) {
	if p.archive == nil || len(records) == 0 {
		return
	}
	payload, err := json.Marshal(records)
	if err != nil {
		p.logger.Error("marshal archive payload", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	uri, err := p.archive.PutBatch(ctx, connectionID, payload)
	if err != nil {
		p.logger.Error("archive collector run", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	p.logger.Debug("archived collector run", zap.String("connection_id", connectionID), zap.String("uri", uri))
}

// fanOut invokes the downstream collaborators. Fire-and-forget: their
// failure never rolls back the completed run.
func (p *Pipeline) fanOut(ctx context.Context, connectionID string, inserted int) {
	if p.notifier != nil {
		if err := p.notifier.NotifyNewRecords(ctx, connectionID, inserted); err != nil {
			p.logger.Error("notify new records", zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
	if p.rebuild != nil {
		if err := p.rebuild.Trigger(ctx, fmt.Sprintf("%d new records for connection %s", inserted, connectionID)); err != nil {
			p.logger.Error("trigger rebuild", zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
}

func (p *Pipeline) markFailed(ctx context.Context, connectionID string, cause error) {
	if err := p.connections.UpdateConnectionStatus(ctx, connectionID, ingest.ConnectionError, cause.Error()); err != nil {
		p.logger.Error("mark connection errored", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

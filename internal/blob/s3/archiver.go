package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// archivePageSize bounds each ListRecent call while scanning for episodes.
const archivePageSize = 500

// multipartThreshold is the export size above which uploads go multipart.
const multipartThreshold = 64 * 1024 * 1024

// archivedEpisode is one JSONL line of an episode archive.
type archivedEpisode struct {
	Episode domain.Episode       `json:"episode"`
	Steps   []domain.EpisodeStep `json:"steps"`
}

// EpisodeArchiver exports finished episodes with their steps to object storage
// as JSONL. It never deletes rows; pruning the database is a separate step.
type EpisodeArchiver struct {
	writer      domain.BlobWriter
	episodes    domain.EpisodeStore
	audit       domain.AuditStore
	multipartAt int
}

// NewEpisodeArchiver creates an EpisodeArchiver. audit may be nil.
func NewEpisodeArchiver(writer domain.BlobWriter, episodes domain.EpisodeStore, audit domain.AuditStore) *EpisodeArchiver {
	return &EpisodeArchiver{writer: writer, episodes: episodes, audit: audit, multipartAt: multipartThreshold}
}

// WithMultipartThreshold sets the export size in bytes above which the upload
// is streamed in parts.
func (a *EpisodeArchiver) WithMultipartThreshold(n int) *EpisodeArchiver {
	a.multipartAt = n
	return a
}

// Archive uploads every non-active episode started before the cutoff to
// archive/episodes/YYYY-MM-DD.jsonl and returns the path and count.
func (a *EpisodeArchiver) Archive(ctx context.Context, before time.Time) (string, int, error) {
	var records []archivedEpisode
	for offset := 0; ; offset += archivePageSize {
		page, err := a.episodes.ListRecent(ctx, domain.ListOpts{
			Until:  &before,
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return "", 0, fmt.Errorf("s3blob: archive episodes query: %w", err)
		}
		for _, ep := range page {
			if ep.Status == domain.EpisodeStatusActive {
				continue
			}
			steps, err := a.episodes.ListSteps(ctx, ep.ID)
			if err != nil {
				return "", 0, fmt.Errorf("s3blob: archive steps of %s: %w", ep.ID, err)
			}
			records = append(records, archivedEpisode{Episode: ep, Steps: steps})
		}
		if len(page) < archivePageSize {
			break
		}
	}
	if len(records) == 0 {
		return "", 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive episodes marshal: %w", err)
	}
	path := archivePath("episodes", before)
	if len(buf) > a.multipartAt {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive episodes upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.episodes", map[string]any{
			"path":   path,
			"count":  len(records),
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return path, len(records), fmt.Errorf("s3blob: archive episodes audit log: %w", err)
		}
	}
	return path, len(records), nil
}

// archivePath partitions archives by the cutoff day, e.g.
// archive/episodes/2025-01-31.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

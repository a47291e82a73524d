package scanning

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
)

// packageResponse is the wire representation of a scan. Timestamps serialize
// as Unix seconds.
type packageResponse struct {
	ScanID       string          `json:"scan_id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Status       string          `json:"status"`
	Score        *int            `json:"score"`
	InspectorURL *string         `json:"inspector_url"`
	Rules        []string        `json:"rules"`
	DownloadURLs []string        `json:"download_urls"`
	QueuedAt     *int64          `json:"queued_at"`
	QueuedBy     *string         `json:"queued_by"`
	PendingAt    *int64          `json:"pending_at"`
	PendingBy    *string         `json:"pending_by"`
	FinishedAt   *int64          `json:"finished_at"`
	FinishedBy   *string         `json:"finished_by"`
	ReportedAt   *int64          `json:"reported_at"`
	ReportedBy   *string         `json:"reported_by"`
	CommitHash   *string         `json:"commit_hash"`
	FailReason   *string         `json:"fail_reason"`
	Files        json.RawMessage `json:"files"`
}

func toPackageResponse(scan *scanning.Scan) packageResponse {
	rules := scan.RuleNames()
	if rules == nil {
		rules = []string{}
	}
	urls := scan.DownloadURLs()
	if urls == nil {
		urls = []string{}
	}

	queuedAt := scan.QueuedAt()
	queuedBy := scan.QueuedBy()

	return packageResponse{
		ScanID:       scan.ID().String(),
		Name:         scan.Name(),
		Version:      scan.Version(),
		Status:       strings.ToLower(scan.Status().String()),
		Score:        scan.Score(),
		InspectorURL: scan.InspectorURL(),
		Rules:        rules,
		DownloadURLs: urls,
		QueuedAt:     unixPtr(&queuedAt),
		QueuedBy:     &queuedBy,
		PendingAt:    unixPtr(scan.PendingAt()),
		PendingBy:    scan.PendingBy(),
		FinishedAt:   unixPtr(scan.FinishedAt()),
		FinishedBy:   scan.FinishedBy(),
		ReportedAt:   unixPtr(scan.ReportedAt()),
		ReportedBy:   scan.ReportedBy(),
		CommitHash:   scan.CommitHash(),
		FailReason:   scan.FailReason(),
		Files:        scan.Files(),
	}
}

func unixPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

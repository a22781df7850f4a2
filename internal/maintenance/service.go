// Package maintenance keeps the dataset archive tidy: it expires old
// datasets and checks that every archived upload still exists.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckask/duckask/internal/catalog"
	"github.com/duckask/duckask/internal/storage"
)

type Config struct {
	Interval time.Duration
	// DatasetRetention is the age after which a dataset and its archived
	// upload are removed. Zero disables retention.
	DatasetRetention time.Duration
	// BatchSize bounds how many datasets one retention pass removes.
	BatchSize int
	// IntegrityLimit bounds how many recent datasets one integrity pass checks.
	IntegrityLimit int
}

type Service struct {
	Catalog     catalog.Repository
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RetentionSummary struct {
	CandidateDatasets int `json:"candidate_datasets"`
	DatasetsDeleted   int `json:"datasets_deleted"`
	ObjectsDeleted    int `json:"objects_deleted"`
	Failures          int `json:"failures"`
}

type IntegritySummary struct {
	DatasetsScanned     int `json:"datasets_scanned"`
	ArchivedChecked     int `json:"archived_checked"`
	MissingObjects      int `json:"missing_objects"`
	OperationalFailures int `json:"operational_failures"`
}

// Run performs a retention and an integrity pass every interval until ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.Config.DatasetRetention > 0 {
				summary, err := s.RunRetentionOnce(ctx)
				if err != nil {
					s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				} else {
					s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
				}
			}
			summary, err := s.RunIntegrityCheckOnce(ctx)
			if err != nil {
				s.Logger.WarnContext(ctx, "integrity check failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.DebugContext(ctx, "integrity check completed", slog.Any("summary", summary))
		}
	}
}

// RunRetentionOnce removes datasets older than the retention age. The
// archived object goes first so a failure never leaves an orphaned upload
// without a catalog entry pointing at it.
func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return RetentionSummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return RetentionSummary{}, fmt.Errorf("object store is required")
	}
	if s.Config.DatasetRetention <= 0 {
		return RetentionSummary{}, nil
	}

	cutoff := s.Clock().UTC().Add(-s.Config.DatasetRetention)
	candidates, err := s.Catalog.ListDatasetsCreatedBefore(ctx, cutoff, s.Config.BatchSize)
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return RetentionSummary{}, fmt.Errorf("list expired datasets: %w", err)
	}

	summary := RetentionSummary{CandidateDatasets: len(candidates)}
	failures := make([]string, 0)
	for _, dataset := range candidates {
		if dataset.ObjectKey != "" {
			if err := s.ObjectStore.Delete(ctx, dataset.ObjectKey); err != nil {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("dataset %s delete object %s: %v", dataset.DatasetID, dataset.ObjectKey, err))
				continue
			}
			summary.ObjectsDeleted++
		}
		if _, err := s.Catalog.DeleteDataset(ctx, dataset.DatasetID); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("dataset %s delete catalog entry: %v", dataset.DatasetID, err))
			continue
		}
		summary.DatasetsDeleted++
	}

	if summary.DatasetsDeleted > 0 {
		datasetsExpiredTotal.Add(float64(summary.DatasetsDeleted))
	}
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunIntegrityCheckOnce verifies that the most recent archived datasets can
// still be restored.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return IntegritySummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return IntegritySummary{}, fmt.Errorf("object store is required")
	}

	datasets, err := s.Catalog.ListDatasets(ctx, s.Config.IntegrityLimit)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return IntegritySummary{}, fmt.Errorf("list datasets: %w", err)
	}

	summary := IntegritySummary{DatasetsScanned: len(datasets)}
	const maxIssueSamples = 20
	issueSamples := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(message string) {
		issueCount++
		if len(issueSamples) < maxIssueSamples {
			issueSamples = append(issueSamples, message)
		}
	}

	for _, dataset := range datasets {
		if dataset.ObjectKey == "" {
			continue
		}
		summary.ArchivedChecked++
		if _, err := s.ObjectStore.Stat(ctx, dataset.ObjectKey); err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				summary.MissingObjects++
				addIssue(fmt.Sprintf("dataset %s missing object %s", dataset.DatasetID, dataset.ObjectKey))
				continue
			}
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("dataset %s stat object %s: %v", dataset.DatasetID, dataset.ObjectKey, err))
		}
	}

	if summary.MissingObjects > 0 {
		integrityMissingObjectsTotal.Add(float64(summary.MissingObjects))
	}
	if issueCount > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		extra := issueCount - len(issueSamples)
		if extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issueSamples, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issueSamples, "; "))
	}
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Hour
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 100
	}
	if s.Config.IntegrityLimit <= 0 {
		s.Config.IntegrityLimit = 100
	}
}

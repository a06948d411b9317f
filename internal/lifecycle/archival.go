package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

// ArchivalTick is the default interval between archival sweeps (§9 "data
// cleanup" background worker; no cadence is specified beyond "background
// task", so this runs far less often than the drift monitor since archival
// eligibility only changes once a day at the retention-window boundary).
const ArchivalTick = 6 * time.Hour

// RunArchival sweeps every model type once per tick until ctx is cancelled,
// transitioning each Deprecated model that IsArchivalEligible reports
// eligible to Archived (§4.2 "Archival eligibility", §9 "data cleanup").
func (m *Manager) RunArchival(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("archival sweep stopping", slog.Any("reason", ctx.Err()))

			return
		case <-ticker.C:
			m.ArchiveEligible(ctx)
		}
	}
}

// ArchiveEligible runs one archival pass across every recognized model
// type, transitioning eligible Deprecated models to Archived, and returns
// the number archived. Failures on one type or model are logged and do not
// stop the sweep.
func (m *Manager) ArchiveEligible(ctx context.Context) int {
	archived := 0

	for _, t := range model.AllTypes() {
		n, err := m.archiveEligibleForType(ctx, t)
		if err != nil {
			m.logger.Error("archival sweep failed for type", slog.String("type", string(t)), slog.Any("error", err))

			continue
		}

		archived += n
	}

	return archived
}

func (m *Manager) archiveEligibleForType(ctx context.Context, t model.Type) (int, error) {
	versions, err := m.registry.ListVersions(ctx, t)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return 0, nil
		}

		return 0, err
	}

	deprecated := make([]*model.Model, 0, len(versions))

	for _, v := range versions {
		if v.Status == model.StatusDeprecated {
			deprecated = append(deprecated, v)
		}
	}

	// IsArchivalEligible's deprecatedRank is "0 = most recently deprecated",
	// so sort newest-deprecated first before ranking (§4.2 archival
	// eligibility doc comment on IsArchivalEligible).
	sort.Slice(deprecated, func(i, j int) bool {
		di, dj := deprecated[i].DeprecatedAt, deprecated[j].DeprecatedAt
		if di == nil || dj == nil {
			return di != nil
		}

		return di.After(*dj)
	})

	now := time.Now()
	archived := 0

	for rank, candidate := range deprecated {
		if !IsArchivalEligible(candidate, rank, now) {
			continue
		}

		if _, err := m.registry.Transition(ctx, candidate.ID, model.StatusArchived); err != nil {
			m.logger.Error("failed to archive eligible model",
				slog.String("model_id", candidate.ID), slog.Any("error", err))

			continue
		}

		m.logger.Info("archived deprecated model",
			slog.String("type", string(t)),
			slog.String("model_id", candidate.ID),
			slog.String("version", candidate.Version.String()))

		archived++
	}

	return archived, nil
}

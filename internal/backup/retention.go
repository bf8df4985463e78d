package backup

import (
	"context"
	"sort"
	"time"
)

// CleanupOldBackups implements Manager. It applies the stricter of the age
// and count limits, never deletes the newest set, and is idempotent: a second
// pass over an already-trimmed store deletes nothing.
func (m *manager) CleanupOldBackups(ctx context.Context) (*CleanupReport, error) {
	start := time.Now()

	sets, err := m.local.ListSets(ctx)
	if err != nil {
		return nil, err
	}

	doomed := selectSetsForDeletion(sets, m.cfg.Retention.Days, m.cfg.Retention.MaxBackups, time.Now().UTC())

	report := &CleanupReport{Kept: len(sets) - len(doomed)}
	for _, setID := range doomed {
		if err := m.local.DeleteSet(ctx, setID); err != nil {
			if IsNotFound(err) {
				// Already gone, nothing to do
				continue
			}
			return nil, err
		}

		if m.remote != nil {
			if err := m.remote.DeleteSet(ctx, setID); err != nil && !IsNotFound(err) {
				m.logger.Warnf("failed to delete remote copy of backup %s: %v", setID, err)
			}
		}

		report.Deleted = append(report.Deleted, setID)
	}

	report.Duration = time.Since(start)
	m.logger.LogRetentionCleanup(len(report.Deleted), report.Kept, report.Duration)

	return report, nil
}

// selectSetsForDeletion returns the ids of sets that violate either retention
// limit. The newest set always survives, even when it is older than the age
// limit.
func selectSetsForDeletion(sets []*Set, maxAgeDays, maxCount int, now time.Time) []string {
	if len(sets) <= 1 {
		return nil
	}

	sorted := make([]*Set, len(sets))
	copy(sorted, sets)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	cutoff := now.AddDate(0, 0, -maxAgeDays)

	var doomed []string
	for i, set := range sorted {
		if i == 0 {
			continue
		}
		if i >= maxCount || set.CreatedAt.Before(cutoff) {
			doomed = append(doomed, set.ID)
		}
	}

	return doomed
}

package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
)

// Mode selects which cleanup passes run.
type Mode string

const (
	// ModeStale removes stale pending records only.
	ModeStale Mode = "stale"
	// ModeFull also removes old rejected and old approved records.
	ModeFull Mode = "full"
	// ModeAggressive is ModeStale with the short aggressive threshold.
	ModeAggressive Mode = "aggressive"
)

// ParseMode validates a cleanup mode. Empty means ModeFull.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(raw); m {
	case "":
		return ModeFull, nil
	case ModeStale, ModeFull, ModeAggressive:
		return m, nil
	default:
		return "", errs.Validation("invalid cleanup mode %q", raw)
	}
}

// CleanupResult counts removed records per rule.
type CleanupResult struct {
	Mode         Mode          `json:"mode"`
	Threshold    time.Duration `json:"-"`
	StalePending int           `json:"stale_pending"`
	OldRejected  int           `json:"old_rejected"`
	OldApproved  int           `json:"old_approved"`
	Duplicates   int           `json:"duplicates"`
}

// Total is the number of records removed.
func (r CleanupResult) Total() int {
	return r.StalePending + r.OldRejected + r.OldApproved + r.Duplicates
}

// CleanupPayload is published after a cleanup pass.
type CleanupPayload struct {
	CleanupResult
	ThresholdMinutes float64 `json:"threshold_minutes"`
	Total            int     `json:"total"`
}

// Cleanup prunes the discovery log. A zero threshold uses the configured
// stale-pending period, or the aggressive one in ModeAggressive.
func (s *Service) Cleanup(ctx context.Context, mode Mode, threshold time.Duration) (CleanupResult, error) {
	if mode == "" {
		mode = ModeFull
	}
	if threshold <= 0 {
		threshold = s.thresholds.StalePending
		if mode == ModeAggressive {
			threshold = s.thresholds.Aggressive
		}
	}
	result := CleanupResult{Mode: mode, Threshold: threshold}
	now := s.clock.Now()
	discoveries := s.store.Discoveries()

	n, err := discoveries.DeleteStalePending(ctx, now.Add(-threshold))
	if err != nil {
		return result, errs.Storage("delete stale discoveries", err)
	}
	result.StalePending = n

	if mode == ModeFull {
		if result.OldRejected, err = discoveries.DeleteRejectedBefore(ctx, now.Add(-s.thresholds.OldRejected)); err != nil {
			return result, errs.Storage("delete rejected discoveries", err)
		}
		if result.OldApproved, err = discoveries.DeleteApprovedBefore(ctx, now.Add(-s.thresholds.OldApproved)); err != nil {
			return result, errs.Storage("delete approved discoveries", err)
		}
	}

	pending, err := discoveries.ListPending(ctx)
	if err != nil {
		return result, errs.Storage("list pending discoveries", err)
	}
	_, drop := CollapseDuplicates(pending)
	if len(drop) > 0 {
		ids := make([]int64, len(drop))
		for i, r := range drop {
			ids[i] = r.ID
		}
		if result.Duplicates, err = discoveries.Delete(ctx, ids); err != nil {
			return result, errs.Storage("delete duplicate discoveries", err)
		}
	}

	metrics.DiscoveriesRemoved.WithLabelValues("stale_pending").Add(float64(result.StalePending))
	metrics.DiscoveriesRemoved.WithLabelValues("old_rejected").Add(float64(result.OldRejected))
	metrics.DiscoveriesRemoved.WithLabelValues("old_approved").Add(float64(result.OldApproved))
	metrics.DiscoveriesRemoved.WithLabelValues("duplicate").Add(float64(result.Duplicates))

	if result.Total() > 0 {
		s.logger.Info().
			Str("mode", string(mode)).
			Int("stale_pending", result.StalePending).
			Int("old_rejected", result.OldRejected).
			Int("old_approved", result.OldApproved).
			Int("duplicates", result.Duplicates).
			Msg("Discovery cleanup completed")
	}

	s.publish(ctx, realtime.DiscoveryCleanupDone, CleanupPayload{
		CleanupResult:    result,
		ThresholdMinutes: threshold.Minutes(),
		Total:            result.Total(),
	})
	return result, nil
}

// Run adapts a full cleanup to a scheduler task.
func (s *Service) Run(ctx context.Context) error {
	_, err := s.Cleanup(ctx, ModeFull, 0)
	return err
}

// CollapseDuplicates groups pending records by device key and keeps the most
// recently seen one per key, breaking ties on the higher id. Resolved records
// are always kept. Both slices are ordered by id.
func CollapseDuplicates(records []storage.DiscoveryRecord) (keep, drop []storage.DiscoveryRecord) {
	latest := make(map[string]storage.DiscoveryRecord)
	for _, r := range records {
		if !r.Pending() {
			continue
		}
		best, ok := latest[r.DeviceKey]
		if !ok || newer(r, best) {
			latest[r.DeviceKey] = r
		}
	}

	for _, r := range records {
		if !r.Pending() || latest[r.DeviceKey].ID == r.ID {
			keep = append(keep, r)
			continue
		}
		drop = append(drop, r)
	}

	byID := func(s []storage.DiscoveryRecord) {
		sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
	}
	byID(keep)
	byID(drop)
	return keep, drop
}

func newer(a, b storage.DiscoveryRecord) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID > b.ID
}

// Stats summarises the discovery log.
type Stats struct {
	Total       int       `json:"total"`
	Pending     int       `json:"pending"`
	Approved    int       `json:"approved"`
	Rejected    int       `json:"rejected"`
	Stale5Min   int       `json:"stale_5min"`
	Stale10Min  int       `json:"stale_10min"`
	Duplicates  int       `json:"duplicates"`
	Registered  int       `json:"registered_devices"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Stats counts discovery records by state and staleness.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	records, err := s.store.Discoveries().List(ctx)
	if err != nil {
		return Stats{}, errs.Storage("list discoveries", err)
	}
	devices, err := s.store.Devices().List(ctx)
	if err != nil {
		return Stats{}, errs.Storage("list devices", err)
	}

	now := s.clock.Now()
	stats := Stats{Total: len(records), Registered: len(devices), GeneratedAt: now}
	for _, r := range records {
		switch {
		case r.ApprovedAt != nil:
			stats.Approved++
		case r.RejectedAt != nil:
			stats.Rejected++
		default:
			stats.Pending++
			age := now.Sub(r.LastSeen)
			if age > 5*time.Minute {
				stats.Stale5Min++
			}
			if age > 10*time.Minute {
				stats.Stale10Min++
			}
		}
	}
	_, drop := CollapseDuplicates(records)
	stats.Duplicates = len(drop)
	return stats, nil
}

// String renders a one-line summary for logs and the CLI.
func (r CleanupResult) String() string {
	return fmt.Sprintf("%s cleanup removed %d (stale %d, rejected %d, approved %d, duplicates %d)",
		r.Mode, r.Total(), r.StalePending, r.OldRejected, r.OldApproved, r.Duplicates)
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
)

const (
	minBackfillDays = 1
	maxBackfillDays = 365
)

// BackfillResult summarises a backfill. Warnings record chunks that were adjusted or could
// not be fetched while the rest of the range still imported.
type BackfillResult struct {
	Imported   int      `json:"imported"`
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	Filtered   int      `json:"filtered"`
	Failed     int      `json:"failed"`
	TotalFound int      `json:"totalFound"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Backfill imports the user's activities from the last days days. The range is split into
// provider-sized windows fetched one after another; a window the vendor rejects for
// starting before its data floor is retried from that floor. Activities already on the
// ledger are skipped, and a failing activity does not stop the others.
func (s *Service) Backfill(ctx context.Context, userID string, provider vendor.Provider, days int) (BackfillResult, error) {
	if days < minBackfillDays || days > maxBackfillDays {
		return BackfillResult{}, fmt.Errorf("%w: got %d", ErrInvalidRange, days)
	}
	fetch, err := s.windowFetcher(provider)
	if err != nil {
		return BackfillResult{}, err
	}

	release, ok := s.beginBackfill(userID)
	if !ok {
		return BackfillResult{}, fmt.Errorf("%w: local backfill running for user", vendor.ErrBackfillInProgress)
	}
	defer release()

	end := s.clock().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	window := s.windows[provider]
	result := BackfillResult{}
	defer func() {
		if result.Imported+result.Updated > 0 {
			s.notify(userID)
		}
	}()

	for chunkStart := start; chunkStart.Before(end); {
		chunkEnd := chunkStart.Add(window)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		var activities []vendor.Activity
		fetchErr := s.withToken(ctx, userID, provider, s.apiSkew, func(accessToken string) error {
			fetched, err := fetch(ctx, accessToken, chunkStart, chunkEnd)
			activities = fetched
			return err
		})

		var rejected *vendor.WindowRejectedError
		switch {
		case fetchErr == nil:
		case errors.As(fetchErr, &rejected):
			floor := rejected.Floor.UTC()
			if !floor.After(chunkStart) {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"%s rejected window %s to %s without a usable start floor",
					provider, formatDay(chunkStart), formatDay(chunkEnd)))
				chunkStart = chunkEnd
				continue
			}
			if !floor.Before(end) {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"%s has no data before %s; nothing imported after %s",
					provider, formatDay(floor), formatDay(chunkStart)))
				return result, nil
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s rejected start %s; retried from its earliest available date %s",
				provider, formatDay(chunkStart), formatDay(floor)))
			chunkStart = floor
			continue
		case errors.Is(fetchErr, vendor.ErrBackfillInProgress):
			if result.TotalFound == 0 {
				return result, fetchErr
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s backfill already in progress; stopped at %s", provider, formatDay(chunkStart)))
			return result, nil
		case errors.Is(fetchErr, vendor.ErrRateLimited):
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s rate limit reached; %s to %s not imported", provider, formatDay(chunkStart), formatDay(end)))
			return result, nil
		case !Retryable(fetchErr):
			s.logError(opBackfill, "fetch_failed", fetchErr, zap.String("user_id", userID))
			return result, fetchErr
		default:
			s.logError(opBackfill, "chunk_failed", fetchErr,
				zap.String("user_id", userID),
				zap.Time("chunk_start", chunkStart),
				zap.Time("chunk_end", chunkEnd))
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s window %s to %s failed: %v", provider, formatDay(chunkStart), formatDay(chunkEnd), fetchErr))
		}

		s.importChunk(ctx, userID, provider, activities, &result)
		chunkStart = chunkEnd
	}

	s.logger.Info("backfill finished",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()),
		zap.Int("days", days),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("total_found", result.TotalFound),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (s *Service) importChunk(ctx context.Context, userID string, provider vendor.Provider, activities []vendor.Activity, result *BackfillResult) {
	if len(activities) == 0 {
		return
	}
	result.TotalFound += len(activities)

	ids := make([]string, 0, len(activities))
	for _, activity := range activities {
		if activity.ExternalID != "" {
			ids = append(ids, activity.ExternalID)
		}
	}
	existing, err := rides.ExistingExternalIDs(s.db.WithContext(ctx), provider, ids)
	if err != nil {
		s.logError(opBackfill, "existing_lookup_failed", err, zap.String("user_id", userID))
		existing = map[string]struct{}{}
	}

	for _, activity := range activities {
		if _, seen := existing[activity.ExternalID]; seen {
			result.Skipped++
			continue
		}
		if activity.Provider == "" {
			activity.Provider = provider
		}
		outcome, err := s.ingestForUser(ctx, opBackfill, userID, activity, false)
		if err != nil {
			result.Failed++
			continue
		}
		switch outcome {
		case OutcomeCreated:
			result.Imported++
			existing[activity.ExternalID] = struct{}{}
		case OutcomeUpdated:
			result.Updated++
		case OutcomeFiltered:
			result.Filtered++
		}
	}
}

type windowFetch func(ctx context.Context, accessToken string, start, end time.Time) ([]vendor.Activity, error)

func (s *Service) windowFetcher(provider vendor.Provider) (windowFetch, error) {
	switch {
	case provider == vendor.ProviderStrava && s.strava != nil:
		return s.strava.ListWindow, nil
	case provider == vendor.ProviderGarmin && s.garmin != nil:
		return s.garmin.Backfill, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
	}
}

// beginBackfill marks a backfill running for the user. The entry lives only while the
// backfill runs, so the set holds at most one key per concurrent backfill.
func (s *Service) beginBackfill(userID string) (func(), bool) {
	if _, running := s.backfills.LoadOrStore(userID, struct{}{}); running {
		return nil, false
	}
	return func() { s.backfills.Delete(userID) }, true
}

func formatDay(instant time.Time) string {
	return instant.UTC().Format("2006-01-02")
}

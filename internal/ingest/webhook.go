package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Push ingests a full activity delivered by a webhook. The vendor user id on the activity
// decides the owner; an activity without one cannot be attributed and is dropped.
func (s *Service) Push(ctx context.Context, activity vendor.Activity) (Outcome, error) {
	userID, err := s.resolveUser(ctx, activity.Provider, activity.ProviderUserID)
	if err != nil {
		s.logger.Warn("dropping pushed activity",
			zap.String("provider", activity.Provider.String()),
			zap.String("external_id", activity.ExternalID),
			zap.Error(err))
		return "", err
	}
	return s.ingestForUser(ctx, opIngest, userID, activity, true)
}

// PingThenFetch handles a notification that names an activity without its content: the
// owner is resolved, the activity is fetched with a fresh token, then ingested as a push.
func (s *Service) PingThenFetch(ctx context.Context, provider vendor.Provider, providerUserID, activityID string) (Outcome, error) {
	if provider != vendor.ProviderStrava || s.strava == nil {
		return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
	}
	userID, err := s.resolveUser(ctx, provider, providerUserID)
	if err != nil {
		s.logger.Warn("dropping activity ping", zap.String("provider", provider.String()), zap.Error(err))
		return "", err
	}
	if skip, err := s.suppressed(ctx, userID, provider); err != nil {
		return "", err
	} else if skip {
		s.logSuppressed(userID, provider, activityID)
		return OutcomeSuppressed, nil
	}

	var activity vendor.Activity
	err = s.withToken(ctx, userID, provider, s.webhookSkew, func(accessToken string) error {
		fetched, fetchErr := s.strava.GetActivity(ctx, accessToken, activityID)
		activity = fetched
		return fetchErr
	})
	if err != nil {
		s.logError(opPing, "fetch_failed", err,
			zap.String("user_id", userID),
			zap.String("activity_id", activityID))
		return "", err
	}
	if activity.ProviderUserID == "" {
		activity.ProviderUserID = providerUserID
	}
	return s.ingestForUser(ctx, opPing, userID, activity, false)
}

// FetchCallback handles a notification that carries a URL to pull summaries from. Every
// summary is ingested; one failing summary does not stop the rest.
func (s *Service) FetchCallback(ctx context.Context, provider vendor.Provider, providerUserID, callbackURL string) ([]Outcome, error) {
	if provider != vendor.ProviderGarmin || s.garmin == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
	}
	userID, err := s.resolveUser(ctx, provider, providerUserID)
	if err != nil {
		s.logger.Warn("dropping activity callback", zap.String("provider", provider.String()), zap.Error(err))
		return nil, err
	}
	if skip, err := s.suppressed(ctx, userID, provider); err != nil {
		return nil, err
	} else if skip {
		s.logSuppressed(userID, provider, "")
		return []Outcome{OutcomeSuppressed}, nil
	}

	var activities []vendor.Activity
	err = s.withToken(ctx, userID, provider, s.webhookSkew, func(accessToken string) error {
		fetched, fetchErr := s.garmin.FetchCallback(ctx, accessToken, callbackURL)
		activities = fetched
		return fetchErr
	})
	if err != nil {
		s.logError(opCallback, "fetch_failed", err, zap.String("user_id", userID))
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(activities))
	var errs []error
	for _, activity := range activities {
		if activity.ProviderUserID == "" {
			activity.ProviderUserID = providerUserID
		}
		outcome, err := s.ingestForUser(ctx, opCallback, userID, activity, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errors.Join(errs...)
}

// DeleteActivity removes the ride carrying the vendor activity id and reverses its hours.
// Deletes are honoured for every provider, active or not.
func (s *Service) DeleteActivity(ctx context.Context, provider vendor.Provider, providerUserID, externalID string) (Outcome, error) {
	userID, err := s.resolveUser(ctx, provider, providerUserID)
	if err != nil {
		s.logger.Warn("dropping activity delete", zap.String("provider", provider.String()), zap.Error(err))
		return "", err
	}
	removedID, err := s.removeByExternalID(ctx, userID, provider, externalID)
	if err != nil {
		s.logError(opDelete, "delete_failed", err,
			zap.String("user_id", userID),
			zap.String("external_id", externalID))
		return "", err
	}
	if removedID == "" {
		return OutcomeIgnored, nil
	}
	s.notify(userID, removedID)
	return OutcomeDeleted, nil
}

// removeByExternalID deletes the user's ride carrying the vendor activity id through the
// ledger. It returns the removed ride id, or "" when no ride carries the id.
func (s *Service) removeByExternalID(ctx context.Context, userID string, provider vendor.Provider, externalID string) (string, error) {
	removedID := ""
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ride, err := rides.LockRideByExternalID(tx, provider, externalID)
		if err != nil {
			return err
		}
		if ride == nil {
			return nil
		}
		if ride.UserID != userID {
			return fmt.Errorf("%w: %s/%s", ErrOwnershipConflict, provider, externalID)
		}
		removedID = ride.ID
		return rides.RemoveRide(tx, userID, ride)
	})
	if txErr != nil {
		return "", txErr
	}
	return removedID, nil
}

// Deregister handles a vendor-initiated revocation: the stored grant and identity link are
// removed. Rides already ingested stay on the ledger.
func (s *Service) Deregister(ctx context.Context, provider vendor.Provider, providerUserID string) (Outcome, error) {
	userID, err := s.resolveUser(ctx, provider, providerUserID)
	if err != nil {
		s.logger.Warn("dropping deregistration", zap.String("provider", provider.String()), zap.Error(err))
		return "", err
	}
	if err := s.Disconnect(ctx, userID, provider); err != nil {
		return "", err
	}
	s.logger.Info("vendor access revoked",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()))
	return OutcomeRevoked, nil
}

// ingestForUser normalizes and upserts one activity. Webhook pushes honour the active data
// source; fetches reach here only after that check.
func (s *Service) ingestForUser(ctx context.Context, operation, userID string, activity vendor.Activity, checkSource bool) (Outcome, error) {
	normalized, ok, err := Normalize(activity)
	if err != nil {
		s.logger.Warn("dropping malformed activity",
			zap.String("operation", operation),
			zap.String("provider", activity.Provider.String()),
			zap.Error(err))
		return "", err
	}
	if !ok {
		return s.dropNonCycling(ctx, operation, userID, activity)
	}
	if checkSource {
		skip, err := s.suppressed(ctx, userID, normalized.Provider)
		if err != nil {
			return "", err
		}
		if skip {
			s.logSuppressed(userID, normalized.Provider, normalized.ExternalID)
			return OutcomeSuppressed, nil
		}
	}
	ride, outcome, err := s.upsert(ctx, userID, normalized)
	if err != nil {
		s.logError(operation, "upsert_failed", err,
			zap.String("user_id", userID),
			zap.String("external_id", normalized.ExternalID))
		return "", err
	}
	s.logger.Debug("activity ingested",
		zap.String("user_id", userID),
		zap.String("ride_id", ride.ID),
		zap.String("provider", normalized.Provider.String()),
		zap.String("outcome", string(outcome)))
	if operation != opBackfill {
		s.notify(userID, ride.ID)
	}
	return outcome, nil
}

// dropNonCycling skips an activity outside the cycling allow-list. A ride already stored
// under its id was reclassified by the vendor and leaves the ledger with its hours.
func (s *Service) dropNonCycling(ctx context.Context, operation, userID string, activity vendor.Activity) (Outcome, error) {
	externalID := strings.TrimSpace(activity.ExternalID)
	removedID, err := s.removeByExternalID(ctx, userID, activity.Provider, externalID)
	if err != nil {
		s.logError(operation, "reclassified_removal_failed", err,
			zap.String("user_id", userID),
			zap.String("external_id", externalID))
		return "", err
	}
	if removedID == "" {
		s.logger.Debug("ignoring non-cycling activity",
			zap.String("provider", activity.Provider.String()),
			zap.String("external_id", externalID),
			zap.String("activity_type", activity.Type))
		return OutcomeFiltered, nil
	}
	s.logger.Info("removed ride reclassified as non-cycling",
		zap.String("user_id", userID),
		zap.String("ride_id", removedID),
		zap.String("provider", activity.Provider.String()),
		zap.String("activity_type", activity.Type))
	if operation != opBackfill {
		s.notify(userID, removedID)
	}
	return OutcomeDeleted, nil
}

func (s *Service) logSuppressed(userID string, provider vendor.Provider, externalID string) {
	s.logger.Info("ignoring event from inactive data source",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()),
		zap.String("external_id", externalID))
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Connect completes an OAuth authorization: the code is exchanged, the vendor user id is
// linked to the user and the grant stored. The first connected provider becomes the active
// data source.
func (s *Service) Connect(ctx context.Context, userID string, provider vendor.Provider, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", ErrMissingCode
	}
	token, err := s.credentials.Exchange(ctx, provider, code)
	if err != nil {
		s.logError(opConnect, "exchange_failed", err, zap.String("user_id", userID), zap.String("provider", provider.String()))
		return "", err
	}
	providerUserID, err := s.providerUserID(ctx, provider, token)
	if err != nil {
		s.logError(opConnect, "identity_lookup_failed", err, zap.String("user_id", userID), zap.String("provider", provider.String()))
		return "", err
	}
	if err := s.identities.LinkIdentity(ctx, provider, providerUserID, userID); err != nil {
		return "", err
	}
	if err := s.credentials.Save(ctx, userID, provider, token); err != nil {
		s.logError(opConnect, "credential_save_failed", err, zap.String("user_id", userID))
		return "", err
	}
	active, err := s.identities.ActiveDataSource(ctx, userID)
	if err != nil {
		return "", err
	}
	if active == "" {
		if err := s.identities.SetActiveDataSource(ctx, userID, provider); err != nil {
			return "", err
		}
	}
	s.logger.Info("vendor connected",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()),
		zap.String("provider_user_id", providerUserID))
	return providerUserID, nil
}

// Disconnect deletes the user's grant and identity link for the provider and clears it as
// the active data source.
func (s *Service) Disconnect(ctx context.Context, userID string, provider vendor.Provider) error {
	if err := s.credentials.Delete(ctx, userID, provider); err != nil {
		s.logError(opDisconnect, "credential_delete_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.identities.UnlinkUser(ctx, userID, provider); err != nil {
		s.logError(opDisconnect, "identity_unlink_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.identities.ClearActiveDataSourceIf(ctx, userID, provider); err != nil {
		s.logError(opDisconnect, "active_source_clear_failed", err, zap.String("user_id", userID))
		return err
	}
	return nil
}

// Connection reports one provider's link state for a user.
type Connection struct {
	Provider       vendor.Provider `json:"provider"`
	Connected      bool            `json:"connected"`
	ProviderUserID string          `json:"providerUserId,omitempty"`
}

// ConnectionStatus lists every provider's link state and the active data source.
type ConnectionStatus struct {
	ActiveDataSource vendor.Provider `json:"activeDataSource"`
	Providers        []Connection    `json:"providers"`
}

// Connections reports which providers hold a stored grant for the user. A provider counts
// as connected only when both the grant and the identity link exist.
func (s *Service) Connections(ctx context.Context, userID string) (ConnectionStatus, error) {
	active, err := s.identities.ActiveDataSource(ctx, userID)
	if err != nil {
		return ConnectionStatus{}, err
	}
	status := ConnectionStatus{ActiveDataSource: active}
	for _, provider := range []vendor.Provider{vendor.ProviderStrava, vendor.ProviderGarmin} {
		connection := Connection{Provider: provider}
		granted, err := s.credentials.Connected(ctx, userID, provider)
		if err != nil {
			return ConnectionStatus{}, err
		}
		subject, err := s.identities.SubjectForUser(ctx, userID, provider)
		switch {
		case errors.Is(err, users.ErrIdentityNotFound):
		case err != nil:
			return ConnectionStatus{}, err
		default:
			connection.ProviderUserID = subject
			connection.Connected = granted
		}
		status.Providers = append(status.Providers, connection)
	}
	return status, nil
}

// SetActiveDataSource chooses which provider's webhooks are ingested.
func (s *Service) SetActiveDataSource(ctx context.Context, userID string, provider vendor.Provider) error {
	return s.identities.SetActiveDataSource(ctx, userID, provider)
}

func (s *Service) providerUserID(ctx context.Context, provider vendor.Provider, token *oauth2.Token) (string, error) {
	switch provider {
	case vendor.ProviderStrava:
		return stravaAthleteID(token)
	case vendor.ProviderGarmin:
		if s.garmin == nil {
			return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
		}
		return s.garmin.UserID(ctx, token.AccessToken)
	default:
		return "", fmt.Errorf("%w: %s", vendor.ErrUnknownProvider, provider)
	}
}

// stravaAthleteID reads the athlete id Strava returns alongside the token.
func stravaAthleteID(token *oauth2.Token) (string, error) {
	athlete, ok := token.Extra("athlete").(map[string]any)
	if !ok {
		return "", fmt.Errorf("strava token response carries no athlete")
	}
	switch id := athlete["id"].(type) {
	case float64:
		return strconv.FormatFloat(id, 'f', 0, 64), nil
	case string:
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("strava token response carries no athlete id")
}

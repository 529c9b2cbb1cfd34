// Package registry tracks users' push endpoints and their enabled/disabled
// lifecycle. Devices are never deleted: unsubscribing or a permanent push
// rejection only sets DisabledAt, and subscribing the same endpoint again
// brings the row back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// Subscription is what a browser hands over after PushManager.subscribe.
type Subscription struct {
	UserID         int64
	Endpoint       string
	P256dh         string
	Auth           string
	ExpirationTime *time.Time
	UserAgent      string
	Platform       string
}

func (s Subscription) Validate() error {
	if s.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidSubscription)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidSubscription)
	}
	if strings.TrimSpace(s.P256dh) == "" || strings.TrimSpace(s.Auth) == "" {
		return fmt.Errorf("%w: p256dh and auth keys are required", ErrInvalidSubscription)
	}
	return nil
}

type Registry struct {
	store storage.Storage
	clock clockwork.Clock
	log   zerolog.Logger
}

func New(store storage.Storage, clock clockwork.Clock, log zerolog.Logger) *Registry {
	return &Registry{store: store, clock: clock, log: log}
}

// Upsert creates the device for sub.Endpoint or overwrites its owner, keys
// and metadata, clearing any disabled flag.
func (r *Registry) Upsert(ctx context.Context, sub Subscription) (*models.Device, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	d := &models.Device{
		UserID:         sub.UserID,
		Endpoint:       sub.Endpoint,
		P256dh:         sub.P256dh,
		Auth:           sub.Auth,
		ExpirationTime: sub.ExpirationTime,
		UserAgent:      sub.UserAgent,
		Platform:       sub.Platform,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
	}
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}

	r.log.Debug().
		Int64("device_id", d.ID).
		Int64("user_id", d.UserID).
		Str("platform", d.Platform).
		Msg("device subscribed")
	return d, nil
}

// Unsubscribe disables userID's device at endpoint. It reports false when
// the endpoint is unknown or registered to another user; that device is left
// untouched.
func (r *Registry) Unsubscribe(ctx context.Context, userID int64, endpoint string) (bool, error) {
	if endpoint == "" {
		return false, fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	found, err := r.store.DisableUserDevice(ctx, userID, endpoint, r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("disable device: %w", err)
	}
	if found {
		r.log.Debug().Int64("user_id", userID).Msg("device unsubscribed")
	}
	return found, nil
}

func (r *Registry) DisableByID(ctx context.Context, id int64) error {
	if err := r.store.DisableDevice(ctx, id, r.clock.Now().UTC()); err != nil {
		return fmt.Errorf("disable device %d: %w", id, err)
	}
	return nil
}

func (r *Registry) FindActiveDevices(ctx context.Context, userID int64) ([]models.Device, error) {
	devices, err := r.store.ListActiveDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices for user %d: %w", userID, err)
	}
	return devices, nil
}

// Package device tracks per-account device fingerprints and their trust
// flag. Trust gates whether a login needs step-up; it is granted only by the
// step-up completion paths, never by a password check alone.
package device

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/notify"
)

// Repo is the slice of the device repository the tracker needs.
type Repo interface {
	Get(ctx context.Context, accountID uint64, deviceID string) (model.Device, error)
	Create(ctx context.Context, accountID uint64, deviceID, name string) error
	Touch(ctx context.Context, accountID uint64, deviceID, name string) error
	Trust(ctx context.Context, accountID uint64, deviceID string) error
	ListByAccount(ctx context.Context, accountID uint64) ([]model.Device, error)
}

// Tracker upserts device sightings and answers trust queries.
type Tracker struct {
	repo     Repo
	notifier notify.Notifier
	audit    audit.Recorder
}

func NewTracker(repo Repo, notifier notify.Notifier, rec audit.Recorder) *Tracker {
	return &Tracker{repo: repo, notifier: notifier, audit: rec}
}

// RegisterOrUpdate upserts the (account, fingerprint) pair. A first sighting
// triggers an asynchronous new-device notification to the account's email.
// The returned flag reports whether the device was new.
func (t *Tracker) RegisterOrUpdate(ctx context.Context, accountID uint64, email, deviceID, userAgent string) (bool, error) {
	name := nameFromUserAgent(userAgent)
	_, err := t.repo.Get(ctx, accountID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := t.repo.Create(ctx, accountID, deviceID, name); err != nil {
			return false, err
		}
		t.notifier.NotifyAsync(ctx, email, notify.TemplateNewDevice, map[string]any{
			"device": name,
		})
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, t.repo.Touch(ctx, accountID, deviceID, name)
}

// IsTrusted reports whether a prior explicit Trust call succeeded for the
// pair. Unknown devices are untrusted.
func (t *Tracker) IsTrusted(ctx context.Context, accountID uint64, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}
	d, err := t.repo.Get(ctx, accountID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Trusted, nil
}

// Trust marks the device so future logins from it skip step-up. Callers are
// the step-up completion paths only.
func (t *Tracker) Trust(ctx context.Context, accountID uint64, deviceID string) error {
	if err := t.repo.Trust(ctx, accountID, deviceID); err != nil {
		return err
	}
	t.audit.RecordEvent(ctx, audit.ActionDeviceTrusted, strconv.FormatUint(accountID, 10), "device trusted")
	return nil
}

// List returns every device seen for the account.
func (t *Tracker) List(ctx context.Context, accountID uint64) ([]model.Device, error) {
	return t.repo.ListByAccount(ctx, accountID)
}

// nameFromUserAgent derives a coarse human label. Good enough for the
// device list UI; no full UA parsing.
func nameFromUserAgent(ua string) string {
	ua = strings.ToLower(ua)
	browser := "unknown browser"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "Edge"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	case strings.Contains(ua, "curl"):
		browser = "curl"
	}
	os := "unknown os"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}
	return browser + " on " + os
}

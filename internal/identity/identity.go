// Package identity manages the device identity presented to the
// CaseTrack backend: a persisted v4 UUID plus a best-effort hardware
// fingerprint. When the cache store is unavailable the service degrades
// to a session-scoped ephemeral identity rather than failing.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/store"
)

const (
	// fingerprintLen is the length of the hex fingerprint.
	fingerprintLen = 16

	// lastUsedRefreshInterval throttles lastUsedAt writes; the field is
	// informational and not worth a disk write per lookup.
	lastUsedRefreshInterval = 24 * time.Hour
)

// Service owns the device identity lifecycle. Construct with NewService;
// safe for concurrent use.
type Service struct {
	store    *store.Store
	logger   *slog.Logger
	platform string

	mu        sync.Mutex
	cached    *store.DeviceMeta
	ephemeral bool
}

// NewService creates an identity service over the given store.
func NewService(st *store.Store, logger *slog.Logger, platform string) *Service {
	return &Service{store: st, logger: logger, platform: platform}
}

// DeviceID returns the stable device UUID, creating and persisting one
// on first use. When the store cannot be read or written, an ephemeral
// session-scoped UUID is returned instead and one warning is logged;
// the identity is regenerated on next start.
func (s *Service) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.loadOrCreate()
	s.maybeRefreshLastUsed(meta)

	return meta.DeviceID
}

// Identity returns the full device identity record.
func (s *Service) Identity() store.DeviceMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.loadOrCreate()
	s.maybeRefreshLastUsed(meta)

	return *meta
}

// Degraded reports whether the service fell back to an ephemeral
// identity because the store was unavailable.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ephemeral
}

// Reset discards the persisted identity and generates a fresh one.
// This is an explicit operator action, never invoked implicitly; the
// swap is audit-logged with both IDs.
func (s *Service) Reset() (store.DeviceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldID := ""
	if prev, err := s.store.DeviceMeta(); err == nil && prev != nil {
		oldID = prev.DeviceID
	}

	fresh := s.newMeta()

	if err := s.store.SetDeviceMeta(*fresh); err != nil {
		return store.DeviceMeta{}, fmt.Errorf("persisting reset identity: %w", err)
	}

	s.cached = fresh
	s.ephemeral = false

	s.logger.Warn("device identity reset",
		slog.String("old_device_id", oldID),
		slog.String("new_device_id", fresh.DeviceID),
	)

	return *fresh, nil
}

// loadOrCreate returns the cached identity, loading or generating it as
// needed. Callers hold s.mu.
func (s *Service) loadOrCreate() *store.DeviceMeta {
	if s.cached != nil {
		return s.cached
	}

	meta, err := s.store.DeviceMeta()
	if err != nil {
		return s.degrade("reading device identity", err)
	}

	if meta == nil {
		meta = s.newMeta()

		if err := s.store.SetDeviceMeta(*meta); err != nil {
			return s.degrade("persisting device identity", err)
		}

		s.logger.Info("device identity created",
			slog.String("device_id", meta.DeviceID),
			slog.String("fingerprint", meta.Fingerprint),
		)
	}

	s.cached = meta

	return meta
}

// degrade switches to a session-scoped ephemeral identity. The warning
// is logged once; subsequent calls reuse the same ephemeral identity.
func (s *Service) degrade(op string, err error) *store.DeviceMeta {
	if s.cached != nil {
		return s.cached
	}

	s.logger.Warn("device identity storage unavailable; using ephemeral identity",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	s.cached = s.newMeta()
	s.ephemeral = true

	return s.cached
}

func (s *Service) newMeta() *store.DeviceMeta {
	now := time.Now().UnixMilli()

	return &store.DeviceMeta{
		DeviceID:     uuid.NewString(),
		Fingerprint:  newFingerprint(s.platform),
		Platform:     s.platform,
		RegisteredAt: now,
		LastUsedAt:   now,
	}
}

// maybeRefreshLastUsed bumps lastUsedAt at most once per refresh
// interval. Write failures are logged at debug and never degrade the
// identity. Callers hold s.mu.
func (s *Service) maybeRefreshLastUsed(meta *store.DeviceMeta) {
	now := time.Now().UnixMilli()
	if now-meta.LastUsedAt < lastUsedRefreshInterval.Milliseconds() {
		return
	}

	meta.LastUsedAt = now

	if s.ephemeral {
		return
	}

	if err := s.store.SetDeviceMeta(*meta); err != nil {
		s.logger.Debug("refreshing lastUsedAt failed",
			slog.String("device_id", meta.DeviceID),
			slog.String("error", err.Error()),
		)
	}
}

// ValidateDeviceID accepts only RFC 4122 version-4 UUIDs, the format
// the backend registers devices under.
func ValidateDeviceID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %q", fserrors.ErrInvalidDevice, id)
	}

	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		return fmt.Errorf("%w: %q", fserrors.ErrInvalidDevice, id)
	}

	return nil
}

// newFingerprint builds a best-effort device fingerprint from hostname,
// platform, and fresh randomness. It is an identity hint for the device
// list on the backend, never an authentication secret.
func newFingerprint(platform string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	h := sha256.New()
	h.Write([]byte(hostname))
	h.Write([]byte{'|'})
	h.Write([]byte(platform))
	h.Write([]byte{'|'})
	h.Write(entropy)

	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

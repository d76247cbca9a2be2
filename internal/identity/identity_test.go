package identity

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

// --- DeviceID ---

func TestDeviceID_StableAcrossCalls(t *testing.T) {
	logger, _ := testLogger()
	svc := NewService(testStore(t), logger, "linux")

	id1 := svc.DeviceID()
	id2 := svc.DeviceID()
	assert.Equal(t, id1, id2)
}

func TestDeviceID_IsValidV4(t *testing.T) {
	logger, _ := testLogger()
	svc := NewService(testStore(t), logger, "linux")

	require.NoError(t, ValidateDeviceID(svc.DeviceID()))
}

func TestDeviceID_SurvivesRestart(t *testing.T) {
	logger, _ := testLogger()
	st := testStore(t)

	id1 := NewService(st, logger, "linux").DeviceID()
	id2 := NewService(st, logger, "linux").DeviceID()
	assert.Equal(t, id1, id2, "a new service over the same store returns the same identity")
}

func TestDeviceID_PersistsMeta(t *testing.T) {
	logger, _ := testLogger()
	st := testStore(t)
	svc := NewService(st, logger, "android")

	id := svc.DeviceID()

	meta, err := st.DeviceMeta()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, id, meta.DeviceID)
	assert.Equal(t, "android", meta.Platform)
	assert.Len(t, meta.Fingerprint, fingerprintLen)
	assert.NotZero(t, meta.RegisteredAt)
}

// --- Degraded mode ---

func TestDeviceID_EphemeralWhenStoreUnavailable(t *testing.T) {
	logger, buf := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Close()) // simulate unavailable storage

	svc := NewService(st, logger, "linux")

	id := svc.DeviceID()
	require.NoError(t, ValidateDeviceID(id))
	assert.True(t, svc.Degraded())

	// Stable within the session, single warning.
	assert.Equal(t, id, svc.DeviceID())
	assert.Equal(t, 1, strings.Count(buf.String(), "ephemeral identity"))
}

func TestDeviceID_NotDegradedNormally(t *testing.T) {
	logger, _ := testLogger()
	svc := NewService(testStore(t), logger, "linux")

	svc.DeviceID()
	assert.False(t, svc.Degraded())
}

// --- Identity ---

func TestIdentity_FullRecord(t *testing.T) {
	logger, _ := testLogger()
	svc := NewService(testStore(t), logger, "ios")

	ident := svc.Identity()
	assert.Equal(t, svc.DeviceID(), ident.DeviceID)
	assert.Equal(t, "ios", ident.Platform)
	assert.NotEmpty(t, ident.Fingerprint)
	assert.NotZero(t, ident.LastUsedAt)
}

func TestIdentity_LastUsedThrottled(t *testing.T) {
	logger, _ := testLogger()
	st := testStore(t)

	stale := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, st.SetDeviceMeta(store.DeviceMeta{
		DeviceID:     uuid.NewString(),
		Fingerprint:  "ab12cd34ef56ab12",
		Platform:     "linux",
		RegisteredAt: stale,
		LastUsedAt:   stale,
	}))

	svc := NewService(st, logger, "linux")
	svc.DeviceID()

	meta, err := st.DeviceMeta()
	require.NoError(t, err)
	assert.Greater(t, meta.LastUsedAt, stale, "stale lastUsedAt is refreshed")

	refreshed := meta.LastUsedAt
	svc.DeviceID()

	meta, err = st.DeviceMeta()
	require.NoError(t, err)
	assert.Equal(t, refreshed, meta.LastUsedAt, "recent lastUsedAt is not rewritten")
}

// --- Reset ---

func TestReset_GeneratesFreshIdentity(t *testing.T) {
	logger, buf := testLogger()
	st := testStore(t)
	svc := NewService(st, logger, "linux")

	oldID := svc.DeviceID()

	fresh, err := svc.Reset()
	require.NoError(t, err)
	assert.NotEqual(t, oldID, fresh.DeviceID)
	require.NoError(t, ValidateDeviceID(fresh.DeviceID))

	// The new identity is what subsequent calls and restarts see.
	assert.Equal(t, fresh.DeviceID, svc.DeviceID())
	assert.Equal(t, fresh.DeviceID, NewService(st, logger, "linux").DeviceID())

	// Audit log carries both IDs.
	logs := buf.String()
	assert.Contains(t, logs, oldID)
	assert.Contains(t, logs, fresh.DeviceID)
}

func TestReset_ErrorWhenStoreUnavailable(t *testing.T) {
	logger, _ := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	svc := NewService(st, logger, "linux")

	_, err = svc.Reset()
	assert.Error(t, err)
}

// --- ValidateDeviceID ---

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid v4", uuid.NewString(), false},
		{"valid v4 uppercase", strings.ToUpper(uuid.NewString()), false},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", true},
		{"non-RFC4122 variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", true},
		{"not a uuid", "not-a-uuid", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceID(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, fserrors.ErrInvalidDevice)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- Fingerprint ---

func TestNewFingerprint_Format(t *testing.T) {
	fp := newFingerprint("linux")
	assert.Len(t, fp, fingerprintLen)
	assert.NotEqual(t, fp, newFingerprint("linux"), "fresh entropy per generation")
}

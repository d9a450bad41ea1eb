// Package session tracks long-lived refresh sessions across an ephemeral
// store (Redis) and a durable store (PostgreSQL).
//
// The ephemeral store is the authoritative path for lookup and revocation: a
// blacklist marker or a missing entry is enough to reject a secret. The
// durable store keeps the device history and is written on a best-effort
// basis during revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-auth/internal/digest"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// DefaultLifetime is the policy lifetime of a refresh session.
const DefaultLifetime = 30 * 24 * time.Hour

// Ephemeral is the subset of the cache store the manager relies on.
type Ephemeral interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Metrics receives session lifecycle events.
type Metrics interface {
	SessionIssued()
	SessionRevoked(n int)
	AuditWriteFailed(op string)
}

type noopMetrics struct{}

func (noopMetrics) SessionIssued() {}

func (noopMetrics) SessionRevoked(int) {}

func (noopMetrics) AuditWriteFailed(string) {}

// Options configures a Manager.
type Options struct {
	Lifetime time.Duration
	Digest   digest.Codec
	Logger   *slog.Logger
	Metrics  Metrics
	Now      func() time.Time
}

// Manager owns refresh session issuance, lookup and revocation.
type Manager struct {
	cache    Ephemeral
	repo     Repository
	digest   digest.Codec
	lifetime time.Duration
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewManager wires a Manager.
func NewManager(cache Ephemeral, repo Repository, opts Options) *Manager {
	m := &Manager{
		cache:    cache,
		repo:     repo,
		digest:   opts.Digest,
		lifetime: opts.Lifetime,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if m.lifetime <= 0 {
		m.lifetime = DefaultLifetime
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Lifetime is the policy lifetime applied by Issue.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Issue records a new session for secret and returns its digest.
func (m *Manager) Issue(ctx context.Context, secret string, principalID int64, username string, device Device) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("session: issue: %w: empty secret", shared.ErrInvariantViolation)
	}
	now := m.now()
	rec := Record{
		Digest:      m.digest.Sum(secret),
		PrincipalID: principalID,
		Username:    username,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.lifetime),
		Device:      device,
	}
	ttl := rec.Remaining(now)

	payload, err := encodeEntry(rec)
	if err != nil {
		return "", err
	}
	if err := m.cache.SetWithTTL(ctx, entryKey(rec.Digest), payload, ttl); err != nil {
		return "", fmt.Errorf("session: issue: %w", err)
	}
	m.track(ctx, principalID, rec.Digest, ttl)

	if _, err := m.repo.Insert(ctx, rec); err != nil {
		m.untrack(ctx, principalID, rec.Digest)
		return "", fmt.Errorf("session: issue: %w", err)
	}

	m.metrics.SessionIssued()
	m.logger.Debug("session issued",
		slog.Int64("principal_id", principalID),
		slog.String("digest", digest.Short(rec.Digest)),
		slog.String("device", string(device.Class)),
	)
	return rec.Digest, nil
}

// track adds digest to the principal's set and raises the set's TTL so it
// outlives its longest member. Failures only degrade bulk revocation.
func (m *Manager) track(ctx context.Context, principalID int64, d string, ttl time.Duration) {
	key := principalKey(principalID)
	if err := m.cache.AddToSet(ctx, key, d); err != nil {
		m.logger.Warn("session set add failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return
	}
	current, err := m.cache.TTL(ctx, key)
	if err != nil {
		m.logger.Warn("session set ttl read failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return
	}
	if current < ttl {
		if err := m.cache.Expire(ctx, key, ttl); err != nil {
			m.logger.Warn("session set expire failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		}
	}
}

func (m *Manager) untrack(ctx context.Context, principalID int64, d string) {
	if err := m.cache.Delete(ctx, entryKey(d)); err != nil {
		m.logger.Warn("session rollback failed", slog.String("digest", digest.Short(d)), slog.Any("error", err))
	}
	if err := m.cache.RemoveFromSet(ctx, principalKey(principalID), d); err != nil {
		m.logger.Warn("session rollback failed", slog.String("digest", digest.Short(d)), slog.Any("error", err))
	}
}

// Lookup returns the live session for secret. It returns shared.ErrNotFound
// when the secret is unknown, expired or revoked, and an error wrapping
// shared.ErrStoreUnavailable when the ephemeral store cannot answer. Callers
// must deny in both cases.
func (m *Manager) Lookup(ctx context.Context, secret string) (Record, error) {
	if secret == "" {
		return Record{}, shared.ErrNotFound
	}
	return m.lookupDigest(ctx, m.digest.Sum(secret))
}

func (m *Manager) lookupDigest(ctx context.Context, d string) (Record, error) {
	blacklisted, err := m.cache.Exists(ctx, blacklistKey(d))
	if err != nil {
		return Record{}, fmt.Errorf("session: lookup: %w", err)
	}
	if blacklisted {
		return Record{}, shared.ErrNotFound
	}
	raw, err := m.cache.Get(ctx, entryKey(d))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Record{}, shared.ErrNotFound
		}
		return Record{}, fmt.Errorf("session: lookup: %w", err)
	}
	rec, err := decodeEntry(d, raw)
	if err != nil {
		m.logger.Warn("session entry unreadable", slog.String("digest", digest.Short(d)), slog.Any("error", err))
		return Record{}, shared.ErrNotFound
	}
	return rec, nil
}

// Revoke revokes the session for secret. It reports false without error when
// the session is already gone.
func (m *Manager) Revoke(ctx context.Context, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	return m.revokeDigest(ctx, m.digest.Sum(secret))
}

func (m *Manager) revokeDigest(ctx context.Context, d string) (bool, error) {
	rec, err := m.lookupDigest(ctx, d)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := m.now()
	var blacklistErr error
	if remaining := rec.Remaining(now); remaining > 0 {
		blacklistErr = m.cache.SetWithTTL(ctx, blacklistKey(d), blacklistMarker, remaining)
	}
	if err := m.cache.RemoveFromSet(ctx, principalKey(rec.PrincipalID), d); err != nil {
		m.logger.Warn("session set remove failed", slog.Int64("principal_id", rec.PrincipalID), slog.Any("error", err))
	}
	deleteErr := m.cache.Delete(ctx, entryKey(d))

	// Either marker alone keeps lookup from returning the session.
	if blacklistErr != nil && deleteErr != nil {
		return false, fmt.Errorf("session: revoke: %w", errors.Join(blacklistErr, deleteErr))
	}
	if blacklistErr != nil || deleteErr != nil {
		m.logger.Warn("session revoke partially applied",
			slog.String("digest", digest.Short(d)),
			slog.Any("error", errors.Join(blacklistErr, deleteErr)),
		)
	}

	m.markRevoked(ctx, d, now)
	m.metrics.SessionRevoked(1)
	m.logger.Debug("session revoked",
		slog.Int64("principal_id", rec.PrincipalID),
		slog.String("digest", digest.Short(d)),
	)
	return true, nil
}

// markRevoked writes the durable audit flag. Failures are reported only.
func (m *Manager) markRevoked(ctx context.Context, d string, at time.Time) {
	err := m.repo.MarkRevoked(ctx, d, at)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrNotFound):
		m.logger.Debug("session record missing on revoke", slog.String("digest", digest.Short(d)))
	default:
		m.metrics.AuditWriteFailed("mark_revoked")
		m.logger.Error("session audit write failed", slog.String("digest", digest.Short(d)), slog.Any("error", err))
	}
}

// RevokeAll revokes every tracked session of principalID and returns how many
// were revoked. Durable records missed by the tracking set are flagged too.
func (m *Manager) RevokeAll(ctx context.Context, principalID int64) (int, error) {
	key := principalKey(principalID)
	members, err := m.cache.SetMembers(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("session: revoke all: %w", err)
	}

	seen := make(map[string]struct{}, len(members))
	count := 0
	for _, d := range members {
		seen[d] = struct{}{}
		ok, err := m.revokeDigest(ctx, d)
		if err != nil {
			m.logger.Warn("session revoke failed", slog.String("digest", digest.Short(d)), slog.Any("error", err))
			continue
		}
		if ok {
			count++
		}
	}
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn("session set delete failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
	}

	count += m.reconcile(ctx, principalID, seen)

	m.logger.Info("sessions revoked", slog.Int64("principal_id", principalID), slog.Int("count", count))
	return count, nil
}

// reconcile revokes durable records whose digests were not in the tracking
// set, which happens when the set expired or was evicted early.
func (m *Manager) reconcile(ctx context.Context, principalID int64, seen map[string]struct{}) int {
	now := m.now()
	active, err := m.repo.ListActive(ctx, principalID, now)
	if err != nil {
		m.logger.Warn("session reconcile skipped", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return 0
	}
	count := 0
	for _, rec := range active {
		if _, ok := seen[rec.Digest]; ok {
			continue
		}
		ok, err := m.revokeDigest(ctx, rec.Digest)
		if err != nil {
			m.logger.Warn("session revoke failed", slog.String("digest", digest.Short(rec.Digest)), slog.Any("error", err))
			continue
		}
		if ok {
			count++
			continue
		}
		m.markRevoked(ctx, rec.Digest, now)
	}
	return count
}

// ListActive returns the principal's live sessions, newest first.
func (m *Manager) ListActive(ctx context.Context, principalID int64) ([]Record, error) {
	records, err := m.repo.ListActive(ctx, principalID, m.now())
	if err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}
	return records, nil
}

// RevokeDevice revokes the session recorded under id for principalID. It
// returns shared.ErrNotFound when the record does not belong to the principal
// and ErrAlreadyRevoked when it was revoked before.
func (m *Manager) RevokeDevice(ctx context.Context, principalID, id int64) error {
	rec, err := m.repo.FindByID(ctx, principalID, id)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return ErrAlreadyRevoked
	}
	ok, err := m.revokeDigest(ctx, rec.Digest)
	if err != nil {
		return err
	}
	if !ok {
		m.markRevoked(ctx, rec.Digest, m.now())
	}
	return nil
}

// PurgeExpired deletes expired, never-revoked durable records.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.repo.PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("session: purge expired: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired sessions purged", slog.Int64("count", n))
	}
	return n, nil
}

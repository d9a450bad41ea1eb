package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// Repository is the durable side of the session store.
type Repository interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	MarkRevoked(ctx context.Context, digest string, at time.Time) error
	ListActive(ctx context.Context, principalID int64, now time.Time) ([]Record, error)
	FindByID(ctx context.Context, principalID, id int64) (Record, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	db db.Querier
}

// NewRepository constructs a PostgreSQL-backed repository.
func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const recordColumns = `id, token_digest, user_id, created_at, expires_at, is_revoked, revoked_at,
	device_type, device_name, ip_address, user_agent, device_info`

// Insert persists a new refresh token record and returns its id.
func (r *PGRepository) Insert(ctx context.Context, rec Record) (int64, error) {
	info, err := json.Marshal(rec.Device.Info)
	if err != nil {
		return 0, fmt.Errorf("session: marshal device info: %w", err)
	}
	var id int64
	err = r.db.QueryRow(ctx, `INSERT INTO refresh_tokens
		(token_digest, user_id, created_at, expires_at, device_type, device_name, ip_address, user_agent, device_info)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id`,
		rec.Digest, rec.PrincipalID, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(),
		string(rec.Device.Class), rec.Device.Name, rec.Device.IP, rec.Device.UserAgent, info,
	).Scan(&id)
	if err != nil {
		return 0, db.Classify("session: insert", err)
	}
	return id, nil
}

// MarkRevoked flags the record revoked. The first revocation time wins.
func (r *PGRepository) MarkRevoked(ctx context.Context, digest string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = COALESCE(revoked_at, $2)
		WHERE token_digest = $1`, digest, at.UTC())
	if err != nil {
		return db.Classify("session: mark revoked", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListActive returns non-revoked, unexpired records newest first.
func (r *PGRepository) ListActive(ctx context.Context, principalID int64, now time.Time) ([]Record, error) {
	rows, err := r.db.Query(ctx, `SELECT `+recordColumns+`
		FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > $2
		ORDER BY created_at DESC, id DESC`, principalID, now.UTC())
	if err != nil {
		return nil, db.Classify("session: list active", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, db.Classify("session: scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("session: list active", err)
	}
	return out, nil
}

// FindByID returns the record with id when it belongs to principalID.
func (r *PGRepository) FindByID(ctx context.Context, principalID, id int64) (Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM refresh_tokens WHERE id = $1 AND user_id = $2`, id, principalID)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, db.Classify("session: find by id", err)
	}
	return rec, nil
}

// PurgeExpired deletes expired records that were never revoked. Revoked rows
// are kept as an audit trail.
func (r *PGRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens
		WHERE expires_at < $1 AND is_revoked = FALSE`, now.UTC())
	if err != nil {
		return 0, db.Classify("session: purge expired", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		class     string
		ip, ua    *string
		info      []byte
		revokedAt *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Digest, &rec.PrincipalID, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.Revoked, &revokedAt, &class, &rec.Device.Name, &ip, &ua, &info); err != nil {
		return Record{}, err
	}
	rec.RevokedAt = revokedAt
	rec.Device.Class = DeviceClass(class)
	if ip != nil {
		rec.Device.IP = *ip
	}
	if ua != nil {
		rec.Device.UserAgent = *ua
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &rec.Device.Info); err != nil {
			return Record{}, fmt.Errorf("decode device info: %w", err)
		}
	}
	return rec, nil
}

var _ Repository = (*PGRepository)(nil)

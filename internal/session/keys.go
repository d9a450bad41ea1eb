package session

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	entryPrefix     = "refresh_token:"
	blacklistPrefix = "token_blacklist:"
	principalPrefix = "user_tokens:"
	blacklistMarker = "1"
)

func entryKey(digest string) string     { return entryPrefix + digest }
func blacklistKey(digest string) string { return blacklistPrefix + digest }

func principalKey(principalID int64) string {
	return fmt.Sprintf("%s%d", principalPrefix, principalID)
}

// entry is the ephemeral mirror of a live Record.
type entry struct {
	PrincipalID int64     `json:"user_id"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Device      Device    `json:"device"`
}

func encodeEntry(rec Record) (string, error) {
	payload, err := json.Marshal(entry{
		PrincipalID: rec.PrincipalID,
		Username:    rec.Username,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Device:      rec.Device,
	})
	if err != nil {
		return "", fmt.Errorf("session: encode entry: %w", err)
	}
	return string(payload), nil
}

func decodeEntry(digest, raw string) (Record, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Record{}, fmt.Errorf("session: decode entry: %w", err)
	}
	return Record{
		Digest:      digest,
		PrincipalID: e.PrincipalID,
		Username:    e.Username,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
		Device:      e.Device,
	}, nil
}

package store

import (
	"database/sql"
	"time"
)

// UpsertProfile caches a profile-service read for offline header rendering.
func (db *DB) UpsertProfile(p *Profile) error {
	if p.FetchedAt == 0 {
		p.FetchedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, display_name, avatar_url, phone, online, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			phone = excluded.phone,
			online = excluded.online,
			fetched_at = excluded.fetched_at`,
		p.UserID, p.DisplayName, p.AvatarURL, p.Phone, p.Online, p.FetchedAt)
	return err
}

// GetProfile returns a cached profile, or nil if never fetched.
func (db *DB) GetProfile(userID string) (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT user_id, display_name, avatar_url, phone, online, fetched_at
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Phone, &p.Online, &p.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

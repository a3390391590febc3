package store

import "time"

// SetWatermark records the timestamp up to which the user has read a
// peer's messages (idempotent upsert, newest wins).
func (db *DB) SetWatermark(peerID string, lastReadAt time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO watermarks (peer_id, last_read_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_read_at = MAX(watermarks.last_read_at, excluded.last_read_at),
			updated_at = excluded.updated_at`,
		peerID, lastReadAt.UnixMilli(), now)
	return err
}

// Watermarks loads the full read-watermark map.
func (db *DB) Watermarks() (map[string]time.Time, error) {
	rows, err := db.Query(`SELECT peer_id, last_read_at FROM watermarks`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	marks := make(map[string]time.Time)
	for rows.Next() {
		var peer string
		var ms int64
		if err := rows.Scan(&peer, &ms); err != nil {
			return nil, err
		}
		marks[peer] = time.UnixMilli(ms).UTC()
	}
	return marks, rows.Err()
}

// SetUnreadCount persists one peer's unread count.
func (db *DB) SetUnreadCount(peerID string, count int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO unread_counts (peer_id, count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at`,
		peerID, count, now)
	return err
}

// UnreadCounts loads the persisted unread-count snapshot.
func (db *DB) UnreadCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT peer_id, count FROM unread_counts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var peer string
		var n int
		if err := rows.Scan(&peer, &n); err != nil {
			return nil, err
		}
		counts[peer] = n
	}
	return counts, rows.Err()
}

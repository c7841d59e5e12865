package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsoft72/woxxy-sub000/models"
)

// Record inserts one completed transfer into the history.
func (s *Store) Record(record models.TransferRecord) error {
	if record.Path == "" {
		return errors.New("path is required")
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (path, sender, size, speed, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		record.Path,
		record.Sender,
		record.Size,
		record.SpeedBytesPerSec,
		record.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer record: %w", err)
	}
	return nil
}

// Recent returns the newest transfer records, most recent first.
func (s *Store) Recent(limit int) ([]models.TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT path, sender, size, speed, received_at
		 FROM transfers
		 ORDER BY received_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfer history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.TransferRecord
	for rows.Next() {
		var record models.TransferRecord
		var receivedAt int64
		if err := rows.Scan(&record.Path, &record.Sender, &record.Size, &record.SpeedBytesPerSec, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		record.ReceivedAt = time.UnixMilli(receivedAt)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history: %w", err)
	}
	return out, nil
}

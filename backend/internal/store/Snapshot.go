package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"collabSession/backend/internal/collab"
)

const snapshotSchema = `CREATE TABLE IF NOT EXISTS document_snapshots (
	id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	room_id    VARCHAR(64)     NOT NULL,
	revision   BIGINT UNSIGNED NOT NULL,
	content    MEDIUMTEXT      NOT NULL,
	created_at TIMESTAMP       NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (id),
	UNIQUE KEY uk_room_revision (room_id, revision)
)`

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, snapshotSchema)
	return err
}

// SaveDocumentSnapshot 同一 (room, revision) 重复写入视为成功
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (room_id, revision, content)
		VALUES (?, ?, ?)`,
		roomID,
		rev,
		content,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, roomID string) (string, uint64, error) {
	var (
		content string
		rev     uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		WHERE room_id = ? ORDER BY revision DESC LIMIT 1`,
		roomID,
	).Scan(&content, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, collab.ErrDocumentNotFound
	}
	return content, rev, err
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

// GetChatRoom looks up the room for an ordered participant pair.
func (r Repo) GetChatRoom(ctx context.Context, tx *sql.Tx, a, b string) (domain.ChatRoom, error) {
	var room domain.ChatRoom
	err := r.q(tx).QueryRowContext(ctx, `SELECT handle,participant_a,participant_b,created_at FROM chat_rooms WHERE participant_a=? AND participant_b=?`, a, b).
		Scan(&room.Handle, &room.ParticipantA, &room.ParticipantB, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return room, ErrNotFound
	}
	return room, err
}

// InsertChatRoom records a room; an existing row for the pair is kept.
func (r Repo) InsertChatRoom(ctx context.Context, tx *sql.Tx, room domain.ChatRoom) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO chat_rooms(handle,participant_a,participant_b,created_at) VALUES (?,?,?,?)`,
		room.Handle, room.ParticipantA, room.ParticipantB, room.CreatedAt)
	return err
}

package database

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	insertMemberQuery  = "INSERT INTO room_members (user_id, room_id) VALUES ($1, $2)"
	insertMessageQuery = "INSERT INTO messages (content, user_id, room_id, message_type, image) " +
		"VALUES ($1, $2, $3, $4, $5) RETURNING id, content, created_at, user_id, room_id, message_type, image"
	roomColumns = "r.id, r.name, r.is_private, r.owner, COALESCE(r.password_hash, ''), r.created_at"

	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.IsPrivate,
		&room.OwnerId,
		&room.PasswordHash,
		&room.CreatedAt,
	)
	return room, err
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.Content,
		&msg.CreatedAt,
		&msg.UserId,
		&msg.RoomId,
		&msg.MessageType,
		&msg.Image,
	)
	return msg, err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMessage(ctx context.Context, q queryer, params AppendMessageParams) (Message, error) {
	var image any
	if len(params.Image) > 0 {
		image = params.Image
	}

	return scanMessage(q.QueryRowContext(ctx, insertMessageQuery,
		params.Content,
		params.UserId,
		params.RoomId,
		params.MessageType,
		image,
	))
}

func (db *PgGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) "+
			"RETURNING id, username, is_online, created_at",
		params.Username,
		params.PasswordHash,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.IsOnline,
		&u.CreatedAt,
	)

	return u, classify("create user", err)
}

func (db *PgGoChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password_hash, is_online, created_at, last_login FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.PasswordHash,
		&u.IsOnline,
		&u.CreatedAt,
		&u.LastLogin,
	)

	return u, classify("get user", err)
}

func (db *PgGoChatRepository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password_hash, is_online, created_at, last_login FROM users "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.PasswordHash,
		&u.IsOnline,
		&u.CreatedAt,
		&u.LastLogin,
	)

	return u, classify("get user by username", err)
}

func (db *PgGoChatRepository) UpdateLastLogin(ctx context.Context, userId int) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_login = NOW() WHERE id = $1", userId)
	return classify("update last login", err)
}

func (db *PgGoChatRepository) SetOnline(ctx context.Context, userId int, online bool) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET is_online = $1 WHERE id = $2", online, userId)
	return classify("set online", err)
}

// CreateRoom inserts the room, the owner's membership and the room's first
// system message in a single transaction.
func (db *PgGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (room Room, msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, Message{}, classify("create room", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var passwordHash any
	if params.PasswordHash != "" {
		passwordHash = params.PasswordHash
	}

	room, err = scanRoom(tx.QueryRowContext(ctx,
		"INSERT INTO rooms AS r (name, owner, is_private, password_hash) VALUES ($1, $2, $3, $4) "+
			"RETURNING "+roomColumns,
		params.Name,
		params.OwnerId,
		params.IsPrivate,
		passwordHash,
	))
	if err != nil {
		return Room{}, Message{}, classify("create room", err)
	}

	if _, err = tx.ExecContext(ctx, insertMemberQuery, params.OwnerId, room.Id); err != nil {
		return Room{}, Message{}, classify("create room: owner membership", err)
	}

	msg, err = insertMessage(ctx, tx, AppendMessageParams{
		Content:     params.SystemContent,
		UserId:      params.OwnerId,
		RoomId:      room.Id,
		MessageType: MessageTypeSystem,
	})
	if err != nil {
		return Room{}, Message{}, classify("create room: system message", err)
	}

	if err = tx.Commit(); err != nil {
		return Room{}, Message{}, classify("create room: commit", err)
	}

	return room, msg, nil
}

func (db *PgGoChatRepository) GetRoomById(ctx context.Context, roomId int) (Room, error) {
	room, err := scanRoom(db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.id = $1 LIMIT 1",
		roomId,
	))
	return room, classify("get room", err)
}

func (db *PgGoChatRepository) listRooms(ctx context.Context, op, query string, args ...any) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, classify(op, fmt.Errorf("scan row: %w", err))
		}
		rooms = append(rooms, room)
	}

	return rooms, classify(op, rows.Err())
}

func (db *PgGoChatRepository) ListJoinedRooms(ctx context.Context, userId int) ([]Room, error) {
	return db.listRooms(ctx, "list joined rooms",
		"SELECT "+roomColumns+" FROM rooms r JOIN room_members m ON r.id = m.room_id "+
			"WHERE m.user_id = $1 ORDER BY r.name",
		userId,
	)
}

// ListAvailableRooms returns public rooms the user is not a member of.
func (db *PgGoChatRepository) ListAvailableRooms(ctx context.Context, userId int) ([]Room, error) {
	return db.listRooms(ctx, "list available rooms",
		"SELECT "+roomColumns+" FROM rooms r LEFT JOIN room_members m ON r.id = m.room_id AND m.user_id = $1 "+
			"WHERE r.is_private = FALSE AND m.user_id IS NULL ORDER BY r.name",
		userId,
	)
}

func (db *PgGoChatRepository) GetRoomMembers(ctx context.Context, roomId int) ([]Member, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT u.id, u.username, u.is_online, u.created_at, u.last_login FROM room_members m "+
			"JOIN users u ON m.user_id = u.id WHERE m.room_id = $1 ORDER BY m.joined_at",
		roomId,
	)
	if err != nil {
		return nil, classify("get room members", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserId, &m.Username, &m.IsOnline, &m.CreatedAt, &m.LastLogin); err != nil {
			return nil, classify("get room members", fmt.Errorf("scan row: %w", err))
		}
		members = append(members, m)
	}

	return members, classify("get room members", rows.Err())
}

// DeleteRoom removes the room with its memberships and messages.
func (db *PgGoChatRepository) DeleteRoom(ctx context.Context, roomId int) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("delete room", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", roomId); err != nil {
		return classify("delete room: messages", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = $1", roomId); err != nil {
		return classify("delete room: members", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomId)
	if err != nil {
		return classify("delete room", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		err = sql.ErrNoRows
		return err
	}

	return classify("delete room: commit", tx.Commit())
}

func (db *PgGoChatRepository) IsMember(ctx context.Context, userId, roomId int) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_members WHERE user_id = $1 AND room_id = $2)",
		userId,
		roomId,
	).Scan(&exists)

	return exists, classify("is member", err)
}

// JoinRoom creates the membership row and the "joined" system message
// atomically.
func (db *PgGoChatRepository) JoinRoom(ctx context.Context, userId, roomId int, systemContent string) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, classify("join room", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, insertMemberQuery, userId, roomId); err != nil {
		return Message{}, classify("join room", err)
	}

	msg, err = insertMessage(ctx, tx, AppendMessageParams{
		Content:     systemContent,
		UserId:      userId,
		RoomId:      roomId,
		MessageType: MessageTypeSystem,
	})
	if err != nil {
		return Message{}, classify("join room: system message", err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, classify("join room: commit", err)
	}

	return msg, nil
}

// LeaveRoom deletes the membership row and records the "left" system
// message atomically. ErrNotMember is returned if there was no membership.
func (db *PgGoChatRepository) LeaveRoom(ctx context.Context, userId, roomId int, systemContent string) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, classify("leave room", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, "DELETE FROM room_members WHERE user_id = $1 AND room_id = $2", userId, roomId)
	if err != nil {
		return Message{}, classify("leave room", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotMember
		return Message{}, err
	}

	msg, err = insertMessage(ctx, tx, AppendMessageParams{
		Content:     systemContent,
		UserId:      userId,
		RoomId:      roomId,
		MessageType: MessageTypeSystem,
	})
	if err != nil {
		return Message{}, classify("leave room: system message", err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, classify("leave room: commit", err)
	}

	return msg, nil
}

func (db *PgGoChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error) {
	msg, err := insertMessage(ctx, db.conn, params)
	return msg, classify("append message", err)
}

// GetMessages returns up to limit messages of a room in chronological order.
// If before is positive only messages with a smaller id are returned.
func (db *PgGoChatRepository) GetMessages(ctx context.Context, roomId, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	upper := 1<<31 - 1
	if before > 0 {
		upper = before
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, content, created_at, user_id, room_id, message_type, image FROM ("+
			"SELECT * FROM messages WHERE room_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3"+
			") recent ORDER BY id ASC",
		roomId,
		upper,
		limit,
	)
	if err != nil {
		return nil, classify("get messages", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify("get messages", fmt.Errorf("scan row: %w", err))
		}
		messages = append(messages, msg)
	}

	return messages, classify("get messages", rows.Err())
}

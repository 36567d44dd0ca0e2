package database

import (
	"database/sql"
	"errors"
	"time"
)

const roomColumns = "id, external_id, retailer_id, wholesaler_id, seq_id, created_at, updated_at"

func scanRoom(row *sql.Row) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.RetailerId,
		&room.WholesalerId,
		&room.SeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgChatRepository) EnsureRoom(params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO rooms (external_id, retailer_id, wholesaler_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (retailer_id, wholesaler_id) DO NOTHING "+
			"RETURNING "+roomColumns,
		params.ExternalId,
		params.RetailerId,
		params.WholesalerId,
		now,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		// the room already existed, or a concurrent caller won the
		// insert race; either way the existing row is the room
		return db.GetRoomByPair(params.RetailerId, params.WholesalerId)
	}

	return room, err
}

func (db *PgChatRepository) GetRoomByPair(retailerId, wholesalerId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms "+
			"WHERE retailer_id = $1 AND wholesaler_id = $2 LIMIT 1",
		retailerId,
		wholesalerId,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}

	return room, err
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}

	return room, err
}

// AppendMessage appends a message to the room's log. The room row is
// updated first, which takes its row lock and serializes concurrent
// appends to the same room for the rest of the transaction.
func (db *PgChatRepository) AppendMessage(params AppendMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRow(
		"UPDATE rooms SET seq_id = seq_id + 1, updated_at = $2 "+
			"WHERE id = $1 RETURNING seq_id, retailer_id, wholesaler_id",
		params.RoomId,
		now,
	)

	var (
		seqId                    int
		retailerId, wholesalerId string
	)
	err = row.Scan(&seqId, &retailerId, &wholesalerId)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrRoomNotFound
		return Message{}, err
	}
	if err != nil {
		return Message{}, err
	}

	if params.SenderId != retailerId && params.SenderId != wholesalerId {
		err = ErrNotParticipant
		return Message{}, err
	}

	row = tx.QueryRow(
		"INSERT INTO messages (room_id, seq_id, sender_id, text, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, room_id, seq_id, sender_id, text, created_at",
		params.RoomId,
		seqId,
		params.SenderId,
		params.Text,
		now,
	)

	var msg Message
	err = row.Scan(&msg.Id, &msg.RoomId, &msg.SeqId, &msg.SenderId, &msg.Text, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessages(roomId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, room_id, seq_id, sender_id, text, created_at FROM messages "+
			"WHERE room_id = $1 ORDER BY seq_id ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.RoomId, &msg.SeqId, &msg.SenderId, &msg.Text, &msg.CreatedAt); err != nil {
			break
		}

		messages = append(messages, msg)
	}

	return messages, err
}

func (db *PgChatRepository) GetUserById(id string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, email, phone, company_name, role, created_at, updated_at "+
			"FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.Phone,
		&user.CompanyName,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}

	return user, err
}

func (db *PgChatRepository) GetUsersByRole(role string) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, email, phone, company_name FROM users WHERE role = $1 ORDER BY name",
		role,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users = make([]User, 0)
	for rows.Next() {
		var user User
		if err = rows.Scan(&user.Id, &user.Name, &user.EmailAddress, &user.Phone, &user.CompanyName); err != nil {
			break
		}
		user.Role = role

		users = append(users, user)
	}

	return users, err
}

package database

import "time"

type Room struct {
	Id           int
	ExternalId   string
	RetailerId   string
	WholesalerId string
	SeqId        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id        int
	RoomId    int
	SeqId     int
	SenderId  string
	Text      string
	CreatedAt time.Time
}

type User struct {
	Id           string
	Name         string
	EmailAddress string
	Phone        string
	CompanyName  string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateRoomParams struct {
	ExternalId   string
	RetailerId   string
	WholesalerId string
}

type AppendMessageParams struct {
	RoomId   int
	SenderId string
	Text     string
}

package types

import "time"

// Role tags a user id with its side of the marketplace. Room resolution
// is position-sensitive, so ids are validated against their role before
// a pair is accepted.
type Role string

const (
	RoleRetailer   Role = "retailer"
	RoleWholesaler Role = "wholesaler"
)

func (r Role) Valid() bool {
	return r == RoleRetailer || r == RoleWholesaler
}

// User is the local projection of a record in the external user
// directory. Ids are opaque strings issued by the upstream service.
type User struct {
	Id           string    `json:"id"`
	Name         string    `json:"name"`
	EmailAddress string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	CompanyName  string    `json:"companyName,omitempty"`
	Role         Role      `json:"role,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Room is one durable conversation between a retailer and a wholesaler.
// At most one room exists per pair.
type Room struct {
	Id           string    `json:"roomId"`
	RetailerId   string    `json:"retailerId"`
	WholesalerId string    `json:"wholesalerId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Message struct {
	RoomId    string    `json:"roomId"`
	SeqId     int       `json:"seqId"`
	SenderId  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

package models

import "time"

type Book struct {
	ID        int64     `json:"id"`
	RfidTag   string    `json:"rfid_tag"` // unique
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	ISBN      string    `json:"isbn,omitempty"`
	Quantity  int       `json:"quantity"`  // copies owned
	Available int       `json:"available"` // copies on the shelf, 0 <= available <= quantity
	Status    string    `json:"status"`    // 'available', 'maintenance', 'lost', 'damaged'
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import "time"

// RawLead is one spreadsheet row before standardization, keyed by the column
// headers the file came with.
type RawLead map[string]string

// Lead is a normalized contact record produced by the standardization service.
type Lead struct {
	ID        string    `json:"id"`
	UploadID  string    `json:"upload_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Company   string    `json:"company"`
	Title     string    `json:"title"`
	Phone     string    `json:"phone"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

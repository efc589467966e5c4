package models

import "time"

// Review is one customer review entry from the remote feed
type Review struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	AuthorName string    `json:"author_name"`
	Rating     int       `json:"rating"`
	Content    string    `json:"content"` // markdown
	UpdatedAt  time.Time `json:"updated_at"`
}

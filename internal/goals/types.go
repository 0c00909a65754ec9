package goals

import "time"

// Goal is one entry of a principal's goal list. ID is empty until the
// remote collection has stored the goal.
type Goal struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

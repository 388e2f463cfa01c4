package domain

import "time"

// Link maps a short code to its long URL.
type Link struct {
	ID        string    `json:"id"`
	ShortCode string    `json:"short_code"`
	LongURL   string    `json:"long_url"`
	Owner     string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Click is a single redirect served for a short code.
type Click struct {
	ID        string    `json:"id"`
	ShortCode string    `json:"short_code"`
	Referrer  string    `json:"referrer,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	ClickedAt time.Time `json:"clicked_at"`
}

// LinkStats summarises clicks for one link.
type LinkStats struct {
	ShortCode     string     `json:"short_code"`
	LongURL       string     `json:"long_url,omitempty"`
	Clicks        int64      `json:"clicks"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
	Recent        []Click    `json:"recent,omitempty"`
}

// ClickFilter narrows click queries. Zero values mean no restriction.
type ClickFilter struct {
	ShortCodes []string
	Since      time.Time
	Limit      int
}

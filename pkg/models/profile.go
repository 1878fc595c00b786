package models

import (
	"time"

	"github.com/google/uuid"
)

// ProfileData is the canonical shape of a subject's public profile, whatever
// provider dialect it was fetched in.
type ProfileData struct {
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	Biography   string `json:"biography"`
	Category    string `json:"category,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Followers   int64  `json:"followers"`
	Following   int64  `json:"following"`
	PostsCount  int64  `json:"posts_count"`
	Verified    bool   `json:"verified"`
	Business    bool   `json:"business"`
	Posts       []Post `json:"posts"`
}

// Post is one recent publication of a subject.
type Post struct {
	ID       string    `json:"id"`
	Caption  string    `json:"caption"`
	Likes    int64     `json:"likes"`
	Comments int64     `json:"comments"`
	URL      string    `json:"url,omitempty"`
	TakenAt  time.Time `json:"taken_at,omitempty"`
}

// FetchResult is profile data together with where and how it was obtained.
type FetchResult struct {
	Profile     ProfileData   `json:"profile"`
	ScraperUsed string        `json:"scraper_used"`
	CacheHit    bool          `json:"cache_hit"`
	CachedAt    time.Time     `json:"cached_at"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Lead is the per-account record of an analysed subject.
type Lead struct {
	ID        uuid.UUID  `db:"id"          json:"id"`
	AccountID uuid.UUID  `db:"account_id"  json:"account_id"`
	SubjectID string     `db:"subject_id"  json:"subject_id"`
	FullName  string     `db:"full_name"   json:"full_name"`
	Followers int64      `db:"followers"   json:"followers"`
	Verified  bool       `db:"verified"    json:"verified"`
	LastScore int        `db:"last_score"  json:"last_score"`
	LastJobID *uuid.UUID `db:"last_job_id" json:"last_job_id,omitempty"`
	CreatedAt time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"  json:"updated_at"`
}

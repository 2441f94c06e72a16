package domain

import (
	"math"
	"strings"
	"time"
)

type Paste struct {
	ID            string     `json:"-"`
	ShortCode     string     `json:"shortCode"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Language      string     `json:"language"`
	IsPublic      bool       `json:"isPublic"`
	OwnerID       *string    `json:"-"`
	ViewCount     int64      `json:"viewCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	EditTokenHash string     `json:"-"`
	ShareURL      string     `json:"url,omitempty"`
}

func (p *Paste) IsAnonymous() bool {
	return p.OwnerID == nil
}

// IsExpired reports whether the paste has an expiry at or before now.
func (p *Paste) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}
func (p *Paste) OwnedBy(userID string) bool {
	return userID != "" && p.OwnerID != nil && *p.OwnerID == userID
}
func (p *Paste) VisibleTo(userID string) bool {
	return p.IsPublic || p.OwnedBy(userID)
}

type CreateParams struct {
	Title    string
	Content  string
	Language string
	IsPublic bool
	OwnerID  *string
}

// Patch carries the optional fields of an edit. Nil fields are left unchanged.
type Patch struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`
	IsPublic *bool   `json:"isPublic,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Language == nil && p.IsPublic == nil
}

type View struct {
	PasteID      string
	ViewerIPHash *string
	ViewerID     *string
	CreatedAt    time.Time
}

// Viewer identifies whoever is reading a paste. Both fields may be empty.
type Viewer struct {
	UserID string
	IP     string
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// MaxPage keeps Offset within int32 for every page size.
const MaxPage = math.MaxInt32 / MaxPageSize

type Page struct {
	Page  int
	Limit int
}

func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

type SortOrder string

const (
	SortRecent  SortOrder = "recent"
	SortPopular SortOrder = "popular"
	SortOldest  SortOrder = "oldest"
)

func ParseSortOrder(s string) SortOrder {
	switch SortOrder(strings.ToLower(strings.TrimSpace(s))) {
	case SortPopular:
		return SortPopular
	case SortOldest:
		return SortOldest
	default:
		return SortRecent
	}
}

type ExploreQuery struct {
	Search   string
	Language string
	Sort     SortOrder
	Page     Page
}

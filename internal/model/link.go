package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxShortCodeLength is the widest short code the links table accepts
	MaxShortCodeLength = 50
	// MaxURLLength is the widest destination URL the links table accepts
	MaxURLLength = 2048
	// MaxNoteLength is the widest note the links table accepts
	MaxNoteLength = 255
)

// Mode selects how a resolved link is delivered to the caller
type Mode int

const (
	// ModeRedirect answers with a 302 pointing at the destination
	ModeRedirect Mode = iota
	// ModeProxy fetches the destination and relays its response
	ModeProxy
)

// ParseMode maps a stored or submitted mode string to a Mode.
// Anything other than "proxy" is a redirect.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proxy":
		return ModeProxy
	default:
		return ModeRedirect
	}
}

// String returns the persisted form of the mode
func (m Mode) String() string {
	switch m {
	case ModeProxy:
		return "proxy"
	default:
		return "redirect"
	}
}

// Value implements driver.Valuer so the column holds "redirect" or "proxy"
func (m Mode) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner
func (m *Mode) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = ModeRedirect
	case string:
		*m = ParseMode(v)
	case []byte:
		*m = ParseMode(string(v))
	default:
		return fmt.Errorf("unsupported mode column type %T", src)
	}
	return nil
}

// MarshalJSON encodes the mode as its string form
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts any string; unknown values become redirect
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("mode must be a string: %w", err)
	}
	*m = ParseMode(s)
	return nil
}

// Link represents a short code and its destination
type Link struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ShortCode   string    `gorm:"uniqueIndex;type:varchar(50);not null" json:"short_code"`
	OriginalURL string    `gorm:"type:varchar(2048);not null" json:"original_url"`
	Note        string    `gorm:"type:varchar(255);default:''" json:"note"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	Clicks      uint64    `gorm:"not null;default:0" json:"clicks"`
	Mode        Mode      `gorm:"type:varchar(10);not null;default:'redirect'" json:"mode"`
}

// TableName specifies the table name for Link
func (Link) TableName() string {
	return "links"
}

// NormalizeURL prepends http:// unless the URL already carries an
// http or https scheme. Stored URLs are never rewritten.
func NormalizeURL(raw string) string {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	return "http://" + raw
}

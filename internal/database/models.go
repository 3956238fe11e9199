package database

import (
	"time"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
)

// StoredAnalysis is one persisted analysis row. Timestamp is the raw column
// value: int64 unix milliseconds, or a string for imported legacy rows.
type StoredAnalysis struct {
	ID        string
	UserID    string
	Timestamp any
	Payload   []byte
}

// Episode is a contiguous run of related analyses for one user.
type Episode struct {
	ID              int64
	UserID          string
	CategoryGroup   string
	PrimaryCategory string
	StartTime       time.Time
	EndTime         time.Time
	Snippet         string
	Summary         string
	AvgSentiment    float64
	MaxToxicity     float64
	Count           int
	ResultIDs       []string
	AbuseFlag       bool
	Visible         bool
}

// Notification is a parent-facing alert record.
type Notification struct {
	ID              int64
	UserID          string
	AnalysisID      string
	Title           string
	Body            string
	Summary         string
	PrimaryCategory string
	CategoryGroup   string
	Severity        int
	AbuseFlag       bool
	Sentiment       string
	Recommendations []analysis.Recommendation
	Read            bool
	CreatedAt       time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	Analyses      int
	Users         int
	Episodes      int
	Notifications int
	Unread        int
	DeviceTokens  int
}

// Package notify turns flagged analyses into stored notification records
// and hands them to a message broker for push delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
)

const (
	DefaultTitle = "Care Interaction Alert"

	// push payloads carry a shortened summary
	pushSummaryChars = 1024
)

// Delivery results recorded in metrics.
const (
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultNoDevices = "no_devices"
)

// Store is the persistence the notifier needs.
type Store interface {
	PersistNotification(ctx context.Context, n *database.Notification) (int64, error)
	ListDeviceTokens(ctx context.Context, userID string) ([]string, error)
}

// Push is the message handed to the broker for one device.
type Push struct {
	UserID         string `json:"userId"`
	Token          string `json:"token"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	NotificationID int64  `json:"notifId"`
	AnalysisID     string `json:"ctxId"`
	Summary        string `json:"summary"`
}

// Publisher hands a push message to whatever delivers it.
type Publisher interface {
	Publish(ctx context.Context, p Push) error
}

// BuildRecord derives the stored notification from an analysis.
func BuildRecord(rec analysis.Record) *database.Notification {
	return &database.Notification{
		UserID:          rec.UserID,
		AnalysisID:      rec.ID,
		Title:           DefaultTitle,
		Body:            rec.ParentNotification,
		Summary:         rec.ParentNotification,
		PrimaryCategory: rec.PrimaryCategory,
		CategoryGroup:   rec.CategoryGroup,
		Severity:        rec.Tone,
		AbuseFlag:       rec.AbuseFlag,
		Sentiment:       rec.Sentiment,
		Recommendations: rec.Recommendations,
	}
}

// Notifier persists notification records and fans them out to the user's
// registered devices.
type Notifier struct {
	store   Store
	pub     Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a notifier. pub, logger and m may be nil; a nil publisher
// stores records without fan-out.
func New(store Store, pub Publisher, logger *zap.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{store: store, pub: pub, logger: logger, metrics: m}
}

// Notify stores the notification for rec and publishes one push per device
// token. Storage failures are returned; publish failures are logged and
// counted, since the record is already durable.
func (n *Notifier) Notify(ctx context.Context, rec analysis.Record) (*database.Notification, error) {
	note := BuildRecord(rec)
	if _, err := n.store.PersistNotification(ctx, note); err != nil {
		return nil, fmt.Errorf("notifying %s: %w", rec.UserID, err)
	}

	if n.pub == nil {
		return note, nil
	}

	tokens, err := n.store.ListDeviceTokens(ctx, rec.UserID)
	if err != nil {
		return note, fmt.Errorf("notifying %s: %w", rec.UserID, err)
	}
	if len(tokens) == 0 {
		n.metrics.ObserveNotification(ResultNoDevices)
		n.logger.Debug("no device tokens registered", zap.String("user_id", rec.UserID))
		return note, nil
	}

	for _, token := range tokens {
		err := n.pub.Publish(ctx, Push{
			UserID:         rec.UserID,
			Token:          token,
			Title:          note.Title,
			Body:           note.Body,
			NotificationID: note.ID,
			AnalysisID:     note.AnalysisID,
			Summary:        truncate(note.Summary, pushSummaryChars),
		})
		if err != nil {
			n.metrics.ObserveNotification(ResultFailed)
			n.logger.Warn("push hand-off failed",
				zap.String("user_id", rec.UserID),
				zap.Int64("notification_id", note.ID),
				zap.Error(err),
			)
			continue
		}
		n.metrics.ObserveNotification(ResultPublished)
	}
	return note, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NATSPublisher publishes pushes on <prefix>.<userID>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Connect dials the broker with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("caremonitor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// Subject returns the subject pushes for userID are published on.
func (p *NATSPublisher) Subject(userID string) string {
	return p.prefix + "." + userID
}

func (p *NATSPublisher) Publish(_ context.Context, push Push) error {
	data, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encoding push: %w", err)
	}
	if err := p.nc.Publish(p.Subject(push.UserID), data); err != nil {
		return fmt.Errorf("publishing push: %w", err)
	}
	return nil
}

// LogPublisher logs pushes instead of delivering them. Used when no broker
// is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, push Push) error {
	if p.Logger != nil {
		p.Logger.Info("push (no broker configured)",
			zap.String("user_id", push.UserID),
			zap.Int64("notification_id", push.NotificationID),
			zap.String("title", push.Title),
		)
	}
	return nil
}

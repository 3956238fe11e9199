package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func flagged(t *testing.T) analysis.Record {
	t.Helper()
	c := analysis.New("a1", "u1", "Caregiver: Stop that right now.", time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	c.Category = analysis.Category{Primary: "Scolding", Group: "Discipline", Secondary: []string{}}
	c.Sentiment.Label = analysis.SentimentNegative
	c.Caregiver.Tone = 3
	c.Decision = analysis.Decision{Notify: true, Abuse: true, Reason: "high toxicity"}
	c.Notification = analysis.Notification{
		Text: "The caregiver raised their voice during a disagreement.",
		Recommendations: []analysis.Recommendation{
			{Category: "Communication", Description: "Talk about calm redirection."},
		},
	}
	return c.Record()
}

type recordingPublisher struct {
	mu     sync.Mutex
	pushes []Push
	fail   map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, push Push) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[push.Token] {
		return errors.New("broker unavailable")
	}
	p.pushes = append(p.pushes, push)
	return nil
}

func notificationCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "caremonitor_notify_sent_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestBuildRecord(t *testing.T) {
	n := BuildRecord(flagged(t))
	assert.Equal(t, DefaultTitle, n.Title)
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, "a1", n.AnalysisID)
	assert.Equal(t, "The caregiver raised their voice during a disagreement.", n.Body)
	assert.Equal(t, n.Body, n.Summary)
	assert.Equal(t, "Scolding", n.PrimaryCategory)
	assert.Equal(t, "Discipline", n.CategoryGroup)
	assert.Equal(t, 3, n.Severity)
	assert.True(t, n.AbuseFlag)
	assert.Equal(t, analysis.SentimentNegative, n.Sentiment)
	assert.False(t, n.Read)
	require.Len(t, n.Recommendations, 1)
}

func TestNotifyPersistsAndFansOut(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddDeviceToken(ctx, "u1", "phone"))
	require.NoError(t, db.AddDeviceToken(ctx, "u1", "tablet"))
	require.NoError(t, db.AddDeviceToken(ctx, "u2", "other"))

	reg := prometheus.NewRegistry()
	pub := &recordingPublisher{}
	n := New(db, pub, zaptest.NewLogger(t), metrics.New(reg))

	note, err := n.Notify(ctx, flagged(t))
	require.NoError(t, err)
	assert.NotZero(t, note.ID)

	stored, err := db.ListNotifications(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, note.ID, stored[0].ID)
	assert.False(t, stored[0].Read)

	require.Len(t, pub.pushes, 2)
	assert.Equal(t, "phone", pub.pushes[0].Token)
	assert.Equal(t, "tablet", pub.pushes[1].Token)
	for _, p := range pub.pushes {
		assert.Equal(t, note.ID, p.NotificationID)
		assert.Equal(t, "a1", p.AnalysisID)
		assert.Equal(t, DefaultTitle, p.Title)
	}
	assert.Equal(t, 2.0, notificationCount(t, reg, ResultPublished))
}

func TestNotifyPublishFailureIsNotFatal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddDeviceToken(ctx, "u1", "broken"))
	require.NoError(t, db.AddDeviceToken(ctx, "u1", "phone"))

	reg := prometheus.NewRegistry()
	pub := &recordingPublisher{fail: map[string]bool{"broken": true}}
	n := New(db, pub, nil, metrics.New(reg))

	_, err := n.Notify(ctx, flagged(t))
	require.NoError(t, err)
	require.Len(t, pub.pushes, 1)
	assert.Equal(t, 1.0, notificationCount(t, reg, ResultFailed))
	assert.Equal(t, 1.0, notificationCount(t, reg, ResultPublished))
}

func TestNotifyWithoutDevices(t *testing.T) {
	db := openTestDB(t)
	reg := prometheus.NewRegistry()
	pub := &recordingPublisher{}
	n := New(db, pub, nil, metrics.New(reg))

	_, err := n.Notify(context.Background(), flagged(t))
	require.NoError(t, err)
	assert.Empty(t, pub.pushes)
	assert.Equal(t, 1.0, notificationCount(t, reg, ResultNoDevices))
}

func TestNotifyStorageFailure(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())

	_, err := New(db, &recordingPublisher{}, nil, nil).Notify(context.Background(), flagged(t))
	assert.ErrorIs(t, err, database.ErrStorage)
}

func TestPushSummaryIsTruncated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddDeviceToken(ctx, "u1", "phone"))

	rec := flagged(t)
	rec.ParentNotification = strings.Repeat("é", 2000)
	pub := &recordingPublisher{}
	_, err := New(db, pub, nil, nil).Notify(ctx, rec)
	require.NoError(t, err)
	require.Len(t, pub.pushes, 1)
	assert.Equal(t, pushSummaryChars, len([]rune(pub.pushes[0].Summary)))
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pub := NewNATSPublisher(nc, "caremonitor.push")
	assert.Equal(t, "caremonitor.push.u1", pub.Subject("u1"))

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(pub.Subject("u1"), ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(context.Background(), Push{
		UserID: "u1", Token: "phone", Title: DefaultTitle, NotificationID: 7, AnalysisID: "a1", Summary: "short",
	}))

	select {
	case msg := <-ch:
		var got map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "phone", got["token"])
		assert.Equal(t, float64(7), got["notifId"])
		assert.Equal(t, "a1", got["ctxId"])
		assert.Equal(t, "short", got["summary"])
	case <-time.After(5 * time.Second):
		t.Fatal("push not received")
	}
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, LogPublisher{Logger: zaptest.NewLogger(t)}.Publish(context.Background(), Push{UserID: "u1"}))
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), Push{}))
}

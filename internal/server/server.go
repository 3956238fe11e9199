// Package server exposes the analysis pipeline and its read models over a
// JSON HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/aggregate"
	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/pipeline"
)

const (
	HeaderAPIKey = "x-api-key"

	defaultTimelineLimit = 50
	maxTimelineLimit     = 500
)

// Analyzer runs one transcript end to end.
type Analyzer interface {
	Analyze(ctx context.Context, userID, text string, ts time.Time) (*pipeline.Analysis, error)
}

// Aggregator computes rolling summaries for a user.
type Aggregator interface {
	Compute(ctx context.Context, userID string) (*aggregate.Result, error)
}

// Store is the read and registration side of storage used by the API.
type Store interface {
	ListEpisodesBetween(ctx context.Context, userID string, start, end time.Time) ([]database.Episode, error)
	ListRecentEpisodes(ctx context.Context, userID string, limit int) ([]database.Episode, error)
	GetEpisode(ctx context.Context, id int64) (*database.Episode, error)
	GetAnalysis(ctx context.Context, id string) (*database.StoredAnalysis, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]database.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	AddDeviceToken(ctx context.Context, userID, token string) error
	RemoveDeviceToken(ctx context.Context, userID, token string) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// APIKey guards the write endpoints. Empty disables the check.
	APIKey string
	// Location interprets ?day= on the timeline endpoint.
	Location *time.Location
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	analyzer Analyzer
	agg      Aggregator
	store    Store
	logger   *zap.Logger
	config   *Config
	now      func() time.Time
}

// New creates a server. logger may be nil.
func New(analyzer Analyzer, agg Aggregator, store Store, logger *zap.Logger, cfg *Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8000}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		analyzer: analyzer,
		agg:      agg,
		store:    store,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	s.echo.POST("/analyze", s.handleAnalyze, s.requireAPIKey)
	s.echo.GET("/aggregate/:user", s.handleAggregate)
	s.echo.GET("/timeline/:user", s.handleTimeline)
	s.echo.GET("/episodes/:id", s.handleEpisode)
	s.echo.GET("/analyses/:id", s.handleAnalysis)

	users := s.echo.Group("/users/:user")
	users.GET("/notifications", s.handleListNotifications)
	users.POST("/device-tokens", s.handleAddDeviceToken, s.requireAPIKey)
	users.DELETE("/device-tokens/:token", s.handleRemoveDeviceToken, s.requireAPIKey)

	s.echo.POST("/notifications/:id/read", s.handleMarkRead, s.requireAPIKey)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.APIKey == "" {
			return next(c)
		}
		got := c.Request().Header.Get(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.APIKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		return next(c)
	}
}

// envelope is the response shape of every data endpoint.
type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

func success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, envelope{Status: "success", Data: data})
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	ServerTime string `json:"server_time"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		ServerTime: s.now().UTC().Format(time.RFC3339Nano),
	})
}

// AnalyzeRequest is the request body for POST /analyze.
type AnalyzeRequest struct {
	UserID     string `json:"user_id"`
	Transcript string `json:"transcript"`
	// Timestamp is optional; the server time is used when empty.
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	var ts time.Time
	if req.Timestamp != "" {
		parsed, err := aggregate.NormalizeTimestamp(req.Timestamp)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid timestamp")
		}
		ts = parsed
	}

	out, err := s.analyzer.Analyze(c.Request().Context(), req.UserID, req.Transcript, ts)
	if err != nil {
		return s.failure("analyze", err)
	}
	return success(c, out.Record)
}

func (s *Server) handleAggregate(c echo.Context) error {
	res, err := s.agg.Compute(c.Request().Context(), c.Param("user"))
	if err != nil {
		return s.failure("aggregate", err)
	}
	return success(c, res)
}

// EpisodeView is the JSON shape of a timeline episode.
type EpisodeView struct {
	ID              int64    `json:"id"`
	CategoryGroup   string   `json:"category_group"`
	PrimaryCategory string   `json:"primary_category"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	Snippet         string   `json:"snippet"`
	Summary         string   `json:"summary"`
	AvgSentiment    float64  `json:"avg_sentiment"`
	MaxToxicity     float64  `json:"max_toxicity"`
	Count           int      `json:"count"`
	ResultIDs       []string `json:"result_ids"`
	AbuseFlag       bool     `json:"abuse_flag"`
	Visible         bool     `json:"visible"`
}

func viewEpisode(ep database.Episode) EpisodeView {
	ids := ep.ResultIDs
	if ids == nil {
		ids = []string{}
	}
	return EpisodeView{
		ID:              ep.ID,
		CategoryGroup:   ep.CategoryGroup,
		PrimaryCategory: ep.PrimaryCategory,
		StartTime:       ep.StartTime.UTC().Format(time.RFC3339Nano),
		EndTime:         ep.EndTime.UTC().Format(time.RFC3339Nano),
		Snippet:         ep.Snippet,
		Summary:         ep.Summary,
		AvgSentiment:    ep.AvgSentiment,
		MaxToxicity:     ep.MaxToxicity,
		Count:           ep.Count,
		ResultIDs:       ids,
		AbuseFlag:       ep.AbuseFlag,
		Visible:         ep.Visible,
	}
}

func (s *Server) handleTimeline(c echo.Context) error {
	ctx := c.Request().Context()
	user := c.Param("user")

	var (
		eps []database.Episode
		err error
	)
	if day := c.QueryParam("day"); day != "" {
		start, end, derr := database.DayBounds(day, s.config.Location)
		if derr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "day must be YYYY-MM-DD")
		}
		eps, err = s.store.ListEpisodesBetween(ctx, user, start, end)
	} else {
		limit, lerr := queryLimit(c.QueryParam("limit"))
		if lerr != nil {
			return lerr
		}
		eps, err = s.store.ListRecentEpisodes(ctx, user, limit)
	}
	if err != nil {
		return s.failure("timeline", err)
	}

	views := make([]EpisodeView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, viewEpisode(ep))
	}
	return success(c, views)
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultTimelineLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return min(n, maxTimelineLimit), nil
}

// NotificationView is the JSON shape of a stored notification.
type NotificationView struct {
	ID              int64                     `json:"id"`
	Title           string                    `json:"title"`
	Body            string                    `json:"body"`
	Summary         string                    `json:"summary"`
	Read            bool                      `json:"read"`
	AnalysisID      string                    `json:"ctx_id"`
	PrimaryCategory string                    `json:"primary_category"`
	CategoryGroup   string                    `json:"category_group"`
	Severity        int                       `json:"severity"`
	AbuseFlag       bool                      `json:"abuse_flag"`
	Sentiment       string                    `json:"sentiment"`
	Recommendations []analysis.Recommendation `json:"recommendations"`
	CreatedAt       string                    `json:"created_at"`
}

func (s *Server) handleListNotifications(c echo.Context) error {
	limit, err := queryLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	notes, err := s.store.ListNotifications(c.Request().Context(), c.Param("user"), limit)
	if err != nil {
		return s.failure("notifications", err)
	}
	views := make([]NotificationView, 0, len(notes))
	for _, n := range notes {
		recs := n.Recommendations
		if recs == nil {
			recs = []analysis.Recommendation{}
		}
		views = append(views, NotificationView{
			ID:              n.ID,
			Title:           n.Title,
			Body:            n.Body,
			Summary:         n.Summary,
			Read:            n.Read,
			AnalysisID:      n.AnalysisID,
			PrimaryCategory: n.PrimaryCategory,
			CategoryGroup:   n.CategoryGroup,
			Severity:        n.Severity,
			AbuseFlag:       n.AbuseFlag,
			Sentiment:       n.Sentiment,
			Recommendations: recs,
			CreatedAt:       n.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return success(c, views)
}

func (s *Server) handleEpisode(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid episode id")
	}
	ep, err := s.store.GetEpisode(c.Request().Context(), id)
	if err != nil {
		return s.failure("episode", err)
	}
	return success(c, viewEpisode(*ep))
}

// AnalysisView is a stored analysis document as returned by GET /analyses/:id.
type AnalysisView struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Timestamp string          `json:"timestamp"`
	Analysis  json.RawMessage `json:"analysis"`
}

func (s *Server) handleAnalysis(c echo.Context) error {
	a, err := s.store.GetAnalysis(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.failure("analysis", err)
	}
	view := AnalysisView{ID: a.ID, UserID: a.UserID, Analysis: json.RawMessage(a.Payload)}
	if ts, err := aggregate.NormalizeTimestamp(a.Timestamp); err == nil {
		view.Timestamp = ts.Format(time.RFC3339Nano)
	}
	if !json.Valid(view.Analysis) {
		view.Analysis = json.RawMessage("null")
	}
	return success(c, view)
}

func (s *Server) handleMarkRead(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	if err := s.store.MarkNotificationRead(c.Request().Context(), id); err != nil {
		return s.failure("mark read", err)
	}
	return success(c, map[string]any{"id": id, "read": true})
}

// DeviceTokenRequest is the request body for POST /users/:user/device-tokens.
type DeviceTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAddDeviceToken(c echo.Context) error {
	var req DeviceTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	if err := s.store.AddDeviceToken(c.Request().Context(), c.Param("user"), token); err != nil {
		return s.failure("device token", err)
	}
	return c.JSON(http.StatusCreated, envelope{Status: "success", Data: map[string]string{"token": token}})
}

func (s *Server) handleRemoveDeviceToken(c echo.Context) error {
	if err := s.store.RemoveDeviceToken(c.Request().Context(), c.Param("user"), c.Param("token")); err != nil {
		return s.failure("device token", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// failure maps domain errors to HTTP statuses.
func (s *Server) failure(op string, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrPipelineAbort):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pipeline.ErrPipelineTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "analysis timed out")
	case errors.Is(err, database.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrStorage):
		s.logger.Error(op+" storage failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	s.logger.Error(op+" failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

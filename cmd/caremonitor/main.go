package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/aggregate"
	"github.com/TobiSchelling/caremonitor/internal/capability"
	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/llm"
	"github.com/TobiSchelling/caremonitor/internal/logging"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
	"github.com/TobiSchelling/caremonitor/internal/notify"
	"github.com/TobiSchelling/caremonitor/internal/pipeline"
	"github.com/TobiSchelling/caremonitor/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "caremonitor",
	Short:   "Caregiver-child interaction analysis",
	Long:    "caremonitor analyses caregiver-child transcripts, keeps a per-family timeline of episodes and alerts parents when an interaction needs attention.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		config.LoadEnv()
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		lc := cfg.Logging
		if verbose {
			lc.Level = "DEBUG"
		}
		logger, err = logging.New(lc)
		if err != nil {
			return err
		}
		logger.Debug("config loaded", zap.String("path", path))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(practicesCmd)
	rootCmd.AddCommand(importCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("caremonitor", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/caremonitor/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the classifier endpoint, LLM provider and categories.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Analyses:")
		fmt.Printf("  Stored: %d\n", stats.Analyses)
		fmt.Printf("  Users: %d\n", stats.Users)
		fmt.Println("\nTimeline:")
		fmt.Printf("  Episodes: %d\n", stats.Episodes)
		fmt.Println("\nNotifications:")
		fmt.Printf("  Total: %d\n", stats.Notifications)
		fmt.Printf("  Unread: %d\n", stats.Unread)
		fmt.Printf("  Device tokens: %d\n", stats.DeviceTokens)
		fmt.Println("\nCategories:")
		for _, g := range cfg.Categories.Groups() {
			fmt.Printf("  %s: %d labels, merge window %s\n", g.Name, len(g.Items), g.MergeWindow)
		}
		return nil
	},
}

// --- analyze command ---

var (
	analyzeUser string
	analyzeJSON bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [transcript-file...]",
	Short: "Analyze one or more transcript files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		deps, err := buildDeps(db, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer deps.Close()

		failed := 0
		for _, path := range args {
			text, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading transcript: %w", err)
			}

			fmt.Printf("\n== %s\n", path)
			out, err := deps.pipeline.Analyze(cmd.Context(), analyzeUser, string(text), time.Time{})
			if err != nil {
				failed++
				fmt.Printf("  Error: %v\n", err)
				if errors.Is(err, database.ErrStorage) {
					return err
				}
				continue
			}

			if analyzeJSON {
				b, err := json.MarshalIndent(out.Record, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				continue
			}
			for _, step := range out.Steps {
				if step.Err != nil {
					fmt.Printf("  %-15s failed: %v\n", step.Name, step.Err)
				} else {
					fmt.Printf("  %-15s %s\n", step.Name, step.Summary)
				}
			}
			rec := out.Record
			fmt.Printf("\n  Category: %s / %s\n", rec.CategoryGroup, rec.PrimaryCategory)
			fmt.Printf("  Caregiver score: %d  Toxicity: %.3f  Sentiment: %s (%.3f)\n",
				rec.CaregiverScore, rec.Toxicity, rec.Sentiment, rec.SentimentScore)
			fmt.Printf("  Notify: %t  Abuse: %t\n", rec.SendNotification, rec.AbuseFlag)
			if rec.ParentNotification != "" {
				fmt.Printf("  Message: %s\n", rec.ParentNotification)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d transcripts failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeUser, "user", "u", "local", "User the transcripts belong to")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the full analysis as JSON")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		deps, err := buildDeps(db, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		defer deps.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		apiKey := os.Getenv(cfg.Server.APIKeyEnv)
		if apiKey == "" {
			logger.Warn("no API key configured; write endpoints are unauthenticated",
				zap.String("env", cfg.Server.APIKeyEnv))
		}

		srv := server.New(deps.pipeline, aggregate.New(db, logger), db, logger, &server.Config{
			Host:     "0.0.0.0",
			Port:     port,
			APIKey:   apiKey,
			Location: cfg.Timeline.Location(),
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		fmt.Printf("Serving on http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to listen on (overrides server.port)")
}

// --- aggregate command ---

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [user]",
	Short: "Show hourly, daily and weekly averages for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := aggregate.New(db, logger).Compute(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, w := range []struct {
			name string
			s    aggregate.Summary
		}{{aggregate.Hourly, res.Hourly}, {aggregate.Daily, res.Daily}, {aggregate.Weekly, res.Weekly}} {
			fmt.Printf("%s: %d analyses, sentiment %s\n", w.name, w.s.Count, w.s.SentimentLabel)
			for _, k := range aggregate.NumericKeys {
				fmt.Printf("  %-16s %.3f\n", k, w.s.Means[k])
			}
		}
		return nil
	},
}

// --- timeline command ---

var (
	timelineDay   string
	timelineLimit int
)

var timelineCmd = &cobra.Command{
	Use:   "timeline [user]",
	Short: "List a user's timeline episodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		loc := cfg.Timeline.Location()
		var eps []database.Episode
		if timelineDay == "today" {
			timelineDay = database.GetToday(loc)
		}
		if timelineDay != "" {
			start, end, err := database.DayBounds(timelineDay, loc)
			if err != nil {
				return err
			}
			fmt.Printf("Timeline for %s on %s\n\n", args[0], database.FormatDayDisplay(timelineDay))
			eps, err = db.ListEpisodesBetween(cmd.Context(), args[0], start, end)
			if err != nil {
				return err
			}
		} else {
			eps, err = db.ListRecentEpisodes(cmd.Context(), args[0], timelineLimit)
			if err != nil {
				return err
			}
		}

		if len(eps) == 0 {
			fmt.Println("No episodes.")
			return nil
		}
		for _, ep := range eps {
			flag := " "
			if ep.AbuseFlag {
				flag = "!"
			}
			fmt.Printf("[%d] %s %s-%s  %s / %s  x%d  sentiment %.2f  toxicity %.2f\n",
				ep.ID, flag,
				ep.StartTime.In(loc).Format("2006-01-02 15:04"), ep.EndTime.In(loc).Format("15:04"),
				ep.CategoryGroup, ep.PrimaryCategory, ep.Count, ep.AvgSentiment, ep.MaxToxicity)
			fmt.Printf("      %s\n", ep.Snippet)
			if ep.Summary != "" {
				fmt.Printf("      %s\n", ep.Summary)
			}
		}
		return nil
	},
}

func init() {
	timelineCmd.Flags().StringVar(&timelineDay, "day", "", "Local day (YYYY-MM-DD or today)")
	timelineCmd.Flags().IntVarP(&timelineLimit, "limit", "n", 50, "Most recent episodes to show")
}

// --- tokens command ---

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage push device tokens",
}

var tokensListCmd = &cobra.Command{
	Use:   "list [user]",
	Short: "List a user's device tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tokens, err := db.ListDeviceTokens(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Println("No device tokens. Add one with: caremonitor tokens add")
			return nil
		}
		for _, t := range tokens {
			fmt.Printf("  %s\n", t)
		}
		return nil
	},
}

var tokensAddCmd = &cobra.Command{
	Use:   "add [user] [token]",
	Short: "Register a device token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AddDeviceToken(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Added token for %s\n", args[0])
		return nil
	},
}

var tokensRemoveCmd = &cobra.Command{
	Use:   "remove [user] [token]",
	Short: "Unregister a device token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.RemoveDeviceToken(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed token for %s\n", args[0])
		return nil
	},
}

func init() {
	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensAddCmd)
	tokensCmd.AddCommand(tokensRemoveCmd)
}

// --- practices command ---

var practicesCmd = &cobra.Command{
	Use:   "practices",
	Short: "Manage the best-practice corpus used in parent notifications",
}

var practicesLoadCmd = &cobra.Command{
	Use:   "load [file.yaml]",
	Short: "Embed and store best-practice snippets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		practices, err := capability.LoadPracticesFile(args[0])
		if err != nil {
			return err
		}

		lc := cfg.LLM
		embedder := llm.NewOllamaEmbedder(lc.EmbeddingModel, lc.OllamaURL)
		r, err := capability.OpenPracticeRetriever(cfg.GetRetrievalPath(), cfg.Retrieval.Collection, embedder, logger)
		if err != nil {
			return err
		}
		if err := r.AddPractices(cmd.Context(), practices); err != nil {
			return err
		}
		fmt.Printf("Loaded %d practices (%d in store)\n", len(practices), r.Count())
		return nil
	},
}

func init() {
	practicesCmd.AddCommand(practicesLoadCmd)
}

// appDeps holds the long-lived clients shared by analyze and serve.
type appDeps struct {
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (d *appDeps) Close() {
	for _, c := range d.closers {
		c()
	}
}

func buildDeps(db *database.DB, reg prometheus.Registerer) (*appDeps, error) {
	d := &appDeps{}
	m := metrics.New(reg)
	set := capability.Build(cfg, logger)

	var pub notify.Publisher = notify.LogPublisher{Logger: logger}
	if url := cfg.Notifications.NATSURL; url != "" {
		nc, err := notify.Connect(url, logger)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, nc.Close)
		pub = notify.NewNATSPublisher(nc, cfg.Notifications.SubjectPrefix)
	}

	d.pipeline = pipeline.New(cfg, db, set, pub, logger, m)
	return d, nil
}

func openDB() (*database.DB, error) {
	dbPath := filepath.Join(cfg.GetDataDir(), "caremonitor.db")
	return database.Open(dbPath, logger)
}

// --- import command ---

var importCmd = &cobra.Command{
	Use:   "import [export.jsonl]",
	Short: "Import analyses from a JSON-lines export",
	Long: `Each line holds {"id", "user_id", "timestamp", "analysis"}. Timestamps may be
ISO-8601 strings or unix milliseconds and are kept as given; the aggregate
command reads both.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ImportAnalyses(cmd.Context(), f)
		fmt.Printf("Imported %d analyses\n", n)
		return err
	},
}

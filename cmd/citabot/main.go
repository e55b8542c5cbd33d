package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/citabot/citabot/internal/api"
	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/flow"
	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/timeparse"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
	"github.com/citabot/citabot/internal/util"
	"github.com/citabot/citabot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CitaBot state data
	DefaultStateDir = "/var/lib/citabot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "citabot.db"
	// DefaultTimezone is the deployment civil timezone
	DefaultTimezone = "America/Santiago"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// Hard credentials: without the calendar there is nothing to book against.
	if config.GoogleCreds == "" {
		slog.Error("GOOGLE_SERVICE_ACCOUNT_JSON is not set")
		os.Exit(1)
	}
	if *flags.calendarID == "" {
		slog.Error("GOOGLE_CALENDAR_ID is not set")
		os.Exit(1)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(*flags.timezone)
	if err != nil {
		slog.Error("Invalid timezone", "error", err, "timezone", *flags.timezone)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags, loc); err != nil {
		slog.Error("CitaBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CitaBot exited successfully")
}

func run(ctx context.Context, config Config, flags Flags, loc *time.Location) error {
	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := calendar.NewGoogleBackend(ctx,
		calendar.WithCredentialsJSON([]byte(config.GoogleCreds)),
		calendar.WithTimezone(*flags.timezone),
	)
	if err != nil {
		return err
	}

	resolver := timeparse.NewResolver(loc)
	validator := rules.NewValidator(loc)
	bookingSvc := booking.NewService(backend, resolver, validator,
		booking.WithCalendarID(*flags.calendarID),
		booking.WithDefaultDuration(time.Duration(*flags.durationMinutes)*time.Minute),
		booking.WithLocation(loc),
	)

	aiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	orchestrator := flow.NewOrchestrator(st, aiClient, bookingSvc, resolver,
		flow.WithLocation(loc),
		flow.WithRequireContact(config.RequireContact),
		flow.WithHistoryLimit(config.HistoryLimit),
	)

	channels := []string{"web"}

	// Twilio channel: enabled when credentials are present.
	var twilioSvc *messaging.TwilioService
	if config.TwilioSID != "" && config.TwilioToken != "" {
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			slog.Warn("Twilio channel disabled", "error", err)
		} else {
			twilioSvc = messaging.NewTwilioService(twilioClient)
			if err := twilioSvc.Start(ctx); err != nil {
				return err
			}
			defer twilioSvc.Stop()
			messaging.NewResponseRouter(twilioSvc, st, orchestrator).Start(ctx)
			channels = append(channels, "twilio")
		}
	}

	// Direct whatsmeow channel: opt-in, needs an interactive QR login.
	if config.WhatsAppEnabled {
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			slog.Warn("WhatsApp direct channel disabled", "error", err)
		} else {
			defer waClient.Disconnect()
			waSvc := messaging.NewWhatsAppService(waClient)
			if err := waSvc.Start(ctx); err != nil {
				return err
			}
			defer waSvc.Stop()
			messaging.NewResponseRouter(waSvc, st, orchestrator).Start(ctx)
			channels = append(channels, "whatsapp")
		}
	}

	server := api.NewServer(orchestrator, bookingSvc, st, twilioSvc,
		api.WithAddr(*flags.apiAddr),
		api.WithCalendarID(*flags.calendarID),
		api.WithTimezone(*flags.timezone),
		api.WithChannels(channels...),
	)

	slog.Info("Bootstrapping CitaBot", "channels", strings.Join(channels, ","), "timezone", *flags.timezone)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	GoogleCreds     string
	CalendarID      string
	DatabaseURL     string
	WhatsAppDSN     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	Timezone        string
	TwilioSID       string
	TwilioToken     string
	WhatsAppEnabled bool
	RequireContact  bool
	HistoryLimit    int
	DurationMinutes int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	stateDir        *string
	dbDSN           *string
	waDSN           *string
	openaiKey       *string
	apiAddr         *string
	calendarID      *string
	timezone        *string
	durationMinutes *int
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CITABOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		GoogleCreds:     os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),
		CalendarID:      os.Getenv("GOOGLE_CALENDAR_ID"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:        os.Getenv("CITABOT_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		Timezone:        os.Getenv("TIMEZONE"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		RequireContact:  util.ParseBoolEnv("REQUIRE_CONTACT", false),
		HistoryLimit:    util.ParseIntEnv("HISTORY_LIMIT", flow.DefaultHistoryLimit),
		DurationMinutes: util.ParseIntEnv("DEFAULT_DURATION_MINUTES", 30),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Timezone == "" {
		config.Timezone = DefaultTimezone
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	slog.Debug("environment variables loaded",
		"GOOGLE_SERVICE_ACCOUNT_JSON_SET", config.GoogleCreds != "",
		"GOOGLE_CALENDAR_ID_SET", config.CalendarID != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_SET", config.TwilioSID != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TIMEZONE", config.Timezone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:        flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for CitaBot data (overrides $CITABOT_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for sessions and dedup (overrides $DATABASE_URL)"),
		waDSN:           flag.String("wa-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		calendarID:      flag.String("calendar-id", config.CalendarID, "Google Calendar ID (overrides $GOOGLE_CALENDAR_ID)"),
		timezone:        flag.String("timezone", config.Timezone, "civil timezone for bookings (overrides $TIMEZONE)"),
		durationMinutes: flag.Int("duration-minutes", config.DurationMinutes, "default appointment duration in minutes (overrides $DEFAULT_DURATION_MINUTES)"),
	}

	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openStore selects the session store implementation by DSN detection.
func openStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

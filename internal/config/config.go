package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultAPIURL         = "http://localhost:8080/api"
	DefaultFeedURL        = "ws://localhost:8080/feed"
	DefaultRoomURL        = "ws://localhost:8080/rooms"
	DefaultListenAddr     = ":8080"
	DefaultPageSize       = 25
	DefaultPendingTimeout = 30 * time.Second
	DefaultTypingTimeout  = 5 * time.Second
	DefaultDedupSize      = 200
	DefaultDedupTTL       = 60 * time.Second
	DefaultDBQueryTimeout = 10 * time.Second
	DefaultTraceService   = "chatsync"
	DefaultZipkinURL      = "http://localhost:9411/api/v2/spans"
)

var validate = validator.New()

// Database holds the SurrealDB settings. URL empty means no database is used.
type Database struct {
	URL          string        `validate:"omitempty,url"`
	Namespace    string        `validate:"required_with=URL"`
	Name         string        `validate:"required_with=URL"`
	User         string
	Pass         string
	QueryTimeout time.Duration `validate:"min=0"`
}

// Tracing holds the bus tracing settings.
type Tracing struct {
	Enabled     bool
	ServiceName string `validate:"required"`
	ZipkinURL   string `validate:"omitempty,url"`
}

// Config holds all configuration for the application.
type Config struct {
	APIURL         string        `validate:"required,url"`
	FeedURL        string        `validate:"required,url"`
	RoomURL        string        `validate:"omitempty,url"`
	UserID         string
	ListenAddr     string        `validate:"required"`
	PageSize       int           `validate:"min=1,max=200"`
	PendingTimeout time.Duration `validate:"min=1ms"`
	TypingTimeout  time.Duration `validate:"min=1ms"`
	DedupSize      int           `validate:"min=1"`
	DedupTTL       time.Duration `validate:"min=1ms"`
	DB             Database
	Tracing        Tracing
}

// New loads .env (if present) and the environment, applies defaults and
// validates the result.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return Load(os.LookupEnv)
}

// Load builds a Config from lookup. It is split from New so tests can supply
// their own environment.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		APIURL:         r.str("CHATSYNC_API_URL", DefaultAPIURL),
		FeedURL:        r.str("CHATSYNC_FEED_URL", DefaultFeedURL),
		RoomURL:        r.str("CHATSYNC_ROOM_URL", DefaultRoomURL),
		UserID:         r.str("CHATSYNC_USER_ID", ""),
		ListenAddr:     r.str("CHATSYNC_LISTEN_ADDR", DefaultListenAddr),
		PageSize:       r.int("CHATSYNC_PAGE_SIZE", DefaultPageSize),
		PendingTimeout: r.duration("CHATSYNC_PENDING_TIMEOUT", DefaultPendingTimeout),
		TypingTimeout:  r.duration("CHATSYNC_TYPING_TIMEOUT", DefaultTypingTimeout),
		DedupSize:      r.int("CHATSYNC_DEDUP_SIZE", DefaultDedupSize),
		DedupTTL:       r.duration("CHATSYNC_DEDUP_TTL", DefaultDedupTTL),
		DB: Database{
			URL:          r.str("SURREAL_URL", ""),
			Namespace:    r.str("SURREAL_NS", ""),
			Name:         r.str("SURREAL_DB", ""),
			User:         r.str("SURREAL_USER", ""),
			Pass:         r.str("SURREAL_PASS", ""),
			QueryTimeout: r.duration("SURREAL_QUERY_TIMEOUT", DefaultDBQueryTimeout),
		},
		Tracing: Tracing{
			Enabled:     r.bool("CHATSYNC_TRACING_ENABLED", false),
			ServiceName: r.str("CHATSYNC_TRACING_SERVICE_NAME", DefaultTraceService),
			ZipkinURL:   r.str("CHATSYNC_TRACING_ZIPKIN_URL", DefaultZipkinURL),
		},
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return b
}

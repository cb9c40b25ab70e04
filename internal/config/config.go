package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIBaseURL  string
	APIToken    string
	GeometryURL string

	MapboxToken        string
	DirectionsBaseURL  string
	DirectionsProfile  string
	DirectionsGeometry string
	DirectionsSimplify int

	HTTPTimeout time.Duration
	PageLimit   int
	DatasetID   int64

	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	MetricsAddr string
	HTTPAddr    string

	PlaybackInterval time.Duration
	PlaybackStep     float64 // replay seconds per tick
	SpeedMultiplier  float64

	ViewportWidth   float64
	ViewportHeight  float64
	ViewportPadding float64
}

// Load reads the environment, falling back to the YAML file named by
// REPLAY_CONFIG for any key the environment leaves unset.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	file, err := loadFile(os.Getenv("REPLAY_CONFIG"))
	if err != nil {
		return nil, err
	}
	return load(envLookup(file))
}

type lookupFunc func(key string) string

func envLookup(file map[string]string) lookupFunc {
	return func(k string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		return file[k]
	}
}

func load(get lookupFunc) (*Config, error) {
	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimSpace(get("API_BASE_URL"))
	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL must be set")
	}
	cfg.APIToken = get("API_TOKEN")
	cfg.GeometryURL = get("GEOMETRY_URL")

	// Directions fallback is disabled without a token
	cfg.MapboxToken = get("MAPBOX_TOKEN")
	cfg.DirectionsBaseURL = getDefault(get, "DIRECTIONS_BASE_URL", "https://api.mapbox.com")
	cfg.DirectionsProfile = getDefault(get, "DIRECTIONS_PROFILE", "driving")
	cfg.DirectionsGeometry = getDefault(get, "DIRECTIONS_GEOMETRY", "geojson")
	switch cfg.DirectionsGeometry {
	case "geojson", "polyline6":
	default:
		return nil, fmt.Errorf("invalid DIRECTIONS_GEOMETRY: %q", cfg.DirectionsGeometry)
	}
	if v := get("DIRECTIONS_SIMPLIFY_POINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			return nil, fmt.Errorf("invalid DIRECTIONS_SIMPLIFY_POINTS: %q", v)
		}
		cfg.DirectionsSimplify = n
	} else {
		cfg.DirectionsSimplify = 5
	}

	if v := get("HTTP_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT_MS: %q", v)
		}
		cfg.HTTPTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.HTTPTimeout = 5 * time.Second
	}

	if v := get("PAGE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PAGE_LIMIT: %q", v)
		}
		cfg.PageLimit = n
	} else {
		cfg.PageLimit = 50
	}

	// Dataset to initialize at startup; 0 waits for POST /dataset
	if v := get("DATASET_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid DATASET_ID: %q", v)
		}
		cfg.DatasetID = id
	}

	// Geometry L2: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	dsn := firstNonEmpty(get("DATABASE_URL"), get("PG_DSN"))
	if dsn == "" && get("PGDATABASE") != "" {
		host := getDefault(get, "PGHOST", "127.0.0.1")
		port := getDefault(get, "PGPORT", "5432")
		user := getDefault(get, "PGUSER", "postgres")
		pass := get("PGPASSWORD")
		sslmode := getDefault(get, "PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, get("PGDATABASE"), sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, get("PGDATABASE"), sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	cfg.RedisURL = get("REDIS_URL")
	if v := get("REDIS_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid REDIS_TTL_SEC: %q", v)
		}
		cfg.RedisTTL = time.Duration(sec) * time.Second
	}

	cfg.NATSURL = getDefault(get, "NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getDefault(get, "NATS_SUBJECT_PREFIX", "replay")

	// Debug logging for NATS publish subjects
	cfg.LogNATSSubjects = truthy(get("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = get("METRICS_ADDR")
	cfg.HTTPAddr = getDefault(get, "HTTP_ADDR", ":8080")

	if v := get("PLAYBACK_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid PLAYBACK_INTERVAL_MS: %q", v)
		}
		cfg.PlaybackInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PlaybackInterval = time.Second
	}

	if v := get("PLAYBACK_STEP_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid PLAYBACK_STEP_SEC: %q", v)
		}
		cfg.PlaybackStep = f
	} else {
		cfg.PlaybackStep = 60
	}

	if v := get("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}

	for _, p := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"VIEWPORT_WIDTH", &cfg.ViewportWidth, 1280},
		{"VIEWPORT_HEIGHT", &cfg.ViewportHeight, 800},
		{"VIEWPORT_PADDING", &cfg.ViewportPadding, 80},
	} {
		v := get(p.key)
		if v == "" {
			*p.dst = p.def
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid %s: %q", p.key, v)
		}
		*p.dst = f
	}

	return cfg, nil
}

// loadFile reads a flat KEY: value YAML file. An empty path yields no overrides.
func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file key %s: expected a scalar", k)
		case nil:
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func getDefault(get lookupFunc, k, def string) string {
	if v := get(k); v != "" {
		return v
	}
	return def
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}

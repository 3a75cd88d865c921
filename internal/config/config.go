package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fleet-engine/internal/fleet"
)

type Config struct {
	DatabaseURL string
	NATSURL     string
	MetricsAddr string

	TickInterval     time.Duration
	RefreshInterval  time.Duration
	MaxBuses         int
	AutoAssignRoutes bool

	WaypointDensityM float64
	PathVariationM   float64
	SeedSnapRadiusM  float64

	AvgSpeedKmh      float64
	MinSpeedKmh      float64
	MaxSpeedKmh      float64
	TrafficVariation float64

	DwellMin time.Duration
	DwellMax time.Duration

	ProximityCooldown time.Duration
	DefaultCompletion fleet.CompletionBehavior

	MonitorPollInterval time.Duration
	MonitorMaxRestarts  int

	WriteQueueSize  int
	LogNATSSubjects bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.TickInterval, err = durationEnv("TICK_INTERVAL_MS", time.Millisecond, 5000*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = durationEnv("FLEET_REFRESH_INTERVAL_SEC", time.Second, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBuses, err = intEnv("MAX_BUSES", 50); err != nil {
		return nil, err
	}
	cfg.AutoAssignRoutes = boolEnv("AUTO_ASSIGN_ROUTES", true)

	if cfg.WaypointDensityM, err = floatEnv("WAYPOINT_DENSITY_M", 500); err != nil {
		return nil, err
	}
	if cfg.PathVariationM, err = floatEnv("PATH_VARIATION_M", 25); err != nil {
		return nil, err
	}
	if cfg.SeedSnapRadiusM, err = floatEnv("SEED_SNAP_RADIUS_M", 200); err != nil {
		return nil, err
	}

	if cfg.AvgSpeedKmh, err = floatEnv("AVG_SPEED_KMH", 30); err != nil {
		return nil, err
	}
	if cfg.MinSpeedKmh, err = floatEnv("MIN_SPEED_KMH", 10); err != nil {
		return nil, err
	}
	if cfg.MaxSpeedKmh, err = floatEnv("MAX_SPEED_KMH", 60); err != nil {
		return nil, err
	}
	if cfg.MinSpeedKmh > cfg.MaxSpeedKmh {
		return nil, fmt.Errorf("MIN_SPEED_KMH %.1f exceeds MAX_SPEED_KMH %.1f", cfg.MinSpeedKmh, cfg.MaxSpeedKmh)
	}
	if cfg.TrafficVariation, err = floatEnv("TRAFFIC_VARIATION", 0.3); err != nil {
		return nil, err
	}
	if cfg.TrafficVariation >= 1 {
		return nil, fmt.Errorf("TRAFFIC_VARIATION must be in [0,1): %.2f", cfg.TrafficVariation)
	}

	if cfg.DwellMin, err = durationEnv("STOP_DURATION_MIN_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DwellMax, err = durationEnv("STOP_DURATION_MAX_SEC", time.Second, 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.DwellMin > cfg.DwellMax {
		return nil, fmt.Errorf("STOP_DURATION_MIN_SEC %s exceeds STOP_DURATION_MAX_SEC %s", cfg.DwellMin, cfg.DwellMax)
	}

	if cfg.ProximityCooldown, err = durationEnv("PROXIMITY_COOLDOWN_SEC", time.Second, 60*time.Second); err != nil {
		return nil, err
	}
	cfg.DefaultCompletion = fleet.ParseCompletionBehavior(getenvDefault("ROUTE_COMPLETION", "loop"))

	if cfg.MonitorPollInterval, err = durationEnv("MONITOR_POLL_INTERVAL_SEC", time.Second, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MonitorMaxRestarts, err = intEnv("MONITOR_MAX_RESTARTS", 5); err != nil {
		return nil, err
	}

	if cfg.WriteQueueSize, err = intEnv("WRITE_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS", false)

	return cfg, nil
}

func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
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

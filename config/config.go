package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig holds the runtime configuration of the bridge. Venue identity and
// broker/database endpoints are required; everything else has working defaults
// tuned for a busy service-floor POS.
type AppConfig struct {
	VenueID    string
	PosType    string
	PosVersion string

	RabbitMQURL string

	// TaxRatePercent is the POS deployment's VAT rate used to back out
	// tax-exclusive prices (e.g. 16 for a 16% inclusive rate).
	TaxRatePercent decimal.Decimal

	PollInterval        time.Duration
	DebounceWindow      time.Duration
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	MaxChangesPerCycle  int

	StateFilePath string
}

var (
	appConfig   *AppConfig
	appConfigMu sync.RWMutex
)

func init() {
	godotenv.Load()
}

// Load reads configuration from the environment. It is called once from main;
// later calls return the cached config.
func Load() (*AppConfig, error) {
	appConfigMu.Lock()
	defer appConfigMu.Unlock()
	if appConfig != nil {
		return appConfig, nil
	}

	required := []string{"VENUE_ID", "RABBITMQ_URL", "DB_HOST", "DB_NAME", "DB_USER", "DB_PASSWORD"}
	for _, name := range required {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			return nil, fmt.Errorf("required environment variable not set: %s", name)
		}
	}

	posType := strings.TrimSpace(os.Getenv("POS_TYPE"))
	if posType == "" {
		posType = "softrestaurant"
	}

	taxRate := decimal.NewFromInt(16)
	if v := strings.TrimSpace(os.Getenv("POS_TAX_RATE_PERCENT")); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil || parsed.IsNegative() {
			return nil, fmt.Errorf("invalid POS_TAX_RATE_PERCENT: %q", v)
		}
		taxRate = parsed
	}

	stateFile := strings.TrimSpace(os.Getenv("SYNC_STATE_FILE"))
	if stateFile == "" {
		stateFile = "syncState.json"
	}

	appConfig = &AppConfig{
		VenueID:             strings.TrimSpace(os.Getenv("VENUE_ID")),
		PosType:             posType,
		PosVersion:          strings.TrimSpace(os.Getenv("POS_VERSION")),
		RabbitMQURL:         strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		TaxRatePercent:      taxRate,
		PollInterval:        durationFromEnv("POLL_INTERVAL_MS", 2000),
		DebounceWindow:      durationFromEnv("DEBOUNCE_WINDOW_MS", 4000),
		HeartbeatInterval:   durationFromEnv("HEARTBEAT_INTERVAL_MS", 10000),
		HealthCheckInterval: durationFromEnv("HEALTH_CHECK_INTERVAL_MS", 30000),
		MaxChangesPerCycle:  intFromEnv("MAX_CHANGES_PER_CYCLE", 100),
		StateFilePath:       stateFile,
	}
	return appConfig, nil
}

// Get returns the loaded config. Panics if Load was never called; components
// should receive the config by injection, this accessor exists for wiring code.
func Get() *AppConfig {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	if appConfig == nil {
		panic("config.Load must be called before config.Get")
	}
	return appConfig
}

var venueIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateVenueID applies the same rules the cloud side enforces, so a bad id
// is rejected locally before a reconfiguration is attempted.
func ValidateVenueID(venueID string) error {
	venueID = strings.TrimSpace(venueID)
	if venueID == "" {
		return fmt.Errorf("venue id must not be empty")
	}
	if len(venueID) < 10 {
		return fmt.Errorf("venue id must be at least 10 characters")
	}
	if len(venueID) > 100 {
		return fmt.Errorf("venue id must not exceed 100 characters")
	}
	if !venueIDPattern.MatchString(venueID) {
		return fmt.Errorf("venue id may only contain letters, digits, hyphens and underscores")
	}
	return nil
}

// UpdateVenueID applies a new venue id to the in-memory config and persists it
// back to the .env file so the next start picks it up.
func UpdateVenueID(newVenueID string) error {
	if err := ValidateVenueID(newVenueID); err != nil {
		return err
	}

	appConfigMu.Lock()
	defer appConfigMu.Unlock()
	if appConfig == nil {
		return fmt.Errorf("configuration not loaded")
	}

	envPath := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envPath == "" {
		envPath = ".env"
	}
	if raw, err := os.ReadFile(envPath); err == nil {
		lines := strings.Split(string(raw), "\n")
		replaced := false
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "VENUE_ID=") {
				lines[i] = "VENUE_ID=" + newVenueID
				replaced = true
			}
		}
		if !replaced {
			lines = append(lines, "VENUE_ID="+newVenueID)
		}
		if err := os.WriteFile(envPath, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			return fmt.Errorf("persist venue id: %w", err)
		}
	}

	appConfig.VenueID = newVenueID
	return nil
}

func durationFromEnv(key string, defMillis int) time.Duration {
	return time.Duration(intFromEnv(key, defMillis)) * time.Millisecond
}

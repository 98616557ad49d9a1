// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the notifier service.
type Config struct {
	// Mailbox
	IMAPAddr     string
	IMAPUsername string
	IMAPPassword string
	IMAPMailbox  string
	PollInterval time.Duration
	VendorSender string

	// Portal
	PortalURL      string
	PortalUsername string
	PortalPassword string
	DataWait       time.Duration
	SlowDataWait   time.Duration
	SlowFacilities []string

	// Paths
	LedgerPath    string
	ContactsPath  string
	ScreenshotDir string
	ArchiveDir    string

	// Email
	FromAddr    string
	FromName    string
	BrevoAPIKey string
	DefaultZone string

	// Cloud Storage
	Bucket string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	IMAP struct {
		Addr         string `yaml:"addr"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		Mailbox      string `yaml:"mailbox"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"imap"`
	Vendor struct {
		Sender string `yaml:"sender"`
	} `yaml:"vendor"`
	Portal struct {
		URL            string   `yaml:"url"`
		Username       string   `yaml:"username"`
		Password       string   `yaml:"password"`
		DataWait       string   `yaml:"data_wait"`
		SlowDataWait   string   `yaml:"slow_data_wait"`
		SlowFacilities []string `yaml:"slow_facilities"`
	} `yaml:"portal"`
	Email struct {
		FromAddr    string `yaml:"from_addr"`
		FromName    string `yaml:"from_name"`
		BrevoAPIKey string `yaml:"brevo_api_key"`
		DefaultZone string `yaml:"default_zone"`
	} `yaml:"email"`
	Paths struct {
		Ledger        string `yaml:"ledger"`
		Contacts      string `yaml:"contacts"`
		ScreenshotDir string `yaml:"screenshot_dir"`
		ArchiveDir    string `yaml:"archive_dir"`
	} `yaml:"paths"`
	Storage struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"storage"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for overrides and non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// Environment-only configuration is fine.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		IMAPAddr:     firstNonEmpty(envOrDefault("IMAP_ADDR", ""), raw.IMAP.Addr),
		IMAPUsername: firstNonEmpty(envOrDefault("IMAP_USERNAME", ""), raw.IMAP.Username),
		IMAPPassword: firstNonEmpty(envOrDefault("IMAP_PASSWORD", ""), raw.IMAP.Password),
		IMAPMailbox:  firstNonEmpty(envOrDefault("IMAP_MAILBOX", ""), raw.IMAP.Mailbox, "INBOX"),
		PollInterval: durationSetting("POLL_INTERVAL", raw.IMAP.PollInterval, 30*time.Second),
		VendorSender: firstNonEmpty(envOrDefault("VENDOR_SENDER", ""), raw.Vendor.Sender),

		PortalURL:      firstNonEmpty(envOrDefault("PORTAL_URL", ""), raw.Portal.URL),
		PortalUsername: firstNonEmpty(envOrDefault("PORTAL_USERNAME", ""), raw.Portal.Username),
		PortalPassword: firstNonEmpty(envOrDefault("PORTAL_PASSWORD", ""), raw.Portal.Password),
		DataWait:       durationSetting("PORTAL_DATA_WAIT", raw.Portal.DataWait, 45*time.Second),
		SlowDataWait:   durationSetting("PORTAL_SLOW_DATA_WAIT", raw.Portal.SlowDataWait, 2*time.Minute),
		SlowFacilities: raw.Portal.SlowFacilities,

		LedgerPath:    firstNonEmpty(envOrDefault("LEDGER_PATH", ""), raw.Paths.Ledger, "data/processed-emails.jsonl"),
		ContactsPath:  firstNonEmpty(envOrDefault("CONTACTS_PATH", ""), raw.Paths.Contacts, "data/contacts.json"),
		ScreenshotDir: firstNonEmpty(envOrDefault("SCREENSHOT_DIR", ""), raw.Paths.ScreenshotDir, "data/screenshots"),
		ArchiveDir:    firstNonEmpty(envOrDefault("ARCHIVE_DIR", ""), raw.Paths.ArchiveDir),

		FromAddr:    firstNonEmpty(envOrDefault("EMAIL_FROM_ADDR", ""), raw.Email.FromAddr),
		FromName:    firstNonEmpty(envOrDefault("EMAIL_FROM_NAME", ""), raw.Email.FromName, "Curtailment Notifier"),
		BrevoAPIKey: firstNonEmpty(envOrDefault("BREVO_API_KEY", ""), raw.Email.BrevoAPIKey),
		DefaultZone: firstNonEmpty(envOrDefault("DEFAULT_ZONE", ""), raw.Email.DefaultZone, "America/New_York"),

		Bucket: firstNonEmpty(envOrDefault("ARCHIVE_BUCKET", ""), raw.Storage.Bucket),

		Port: envOrDefaultInt("PORT", 8080),
	}

	if slow := os.Getenv("PORTAL_SLOW_FACILITIES"); slow != "" {
		cfg.SlowFacilities = splitList(slow)
	}

	if cfg.IMAPAddr == "" || cfg.IMAPUsername == "" || cfg.IMAPPassword == "" {
		return nil, fmt.Errorf("IMAP connection not configured — set imap.addr/username/password or IMAP_* environment variables")
	}
	if cfg.VendorSender == "" {
		return nil, fmt.Errorf("vendor dispatch sender not configured — set vendor.sender or VENDOR_SENDER")
	}
	if cfg.PortalURL == "" || cfg.PortalUsername == "" || cfg.PortalPassword == "" {
		return nil, fmt.Errorf("portal credentials not configured — set portal.url/username/password or PORTAL_* environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// durationSetting resolves a duration from the environment, then the YAML
// value, then the built-in default. Unparseable values fall through.
func durationSetting(envKey, yamlValue string, fallback time.Duration) time.Duration {
	for _, v := range []string{os.Getenv(envKey), yamlValue} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

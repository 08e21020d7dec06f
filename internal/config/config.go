package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RuntimeDir        string
	ConfDir           string
	CatalogDir        string
	DBPath            string
	LpoptionsPath     string
	ErrorLogPath      string
	CallLogPath       string
	MaxLogSize        int64
	LogLevel          string
	CupsServer        string
	IdleTimeout       time.Duration
	EnumTimeout       time.Duration
	FilteredTimeout   time.Duration
	LeaseDuration     time.Duration
	BrowseDNSSD       bool
	DNSSDTimeout      time.Duration
	SNMPCommunity     string
	UseSystemNotifier bool
}

type configOverrides struct {
	runtimeDirLocked bool
	confDirLocked    bool
	catalogDir       bool
	dbPath           bool
	errorLog         bool
	callLog          bool
	logLevel         bool
}

func Load() Config {
	overrides := configOverrides{}

	home := userHome()
	confDir := getenv("CPDB_CONF_DIR", filepath.Join(home, ".config", "cpdb"))

	cfg := Config{
		RuntimeDir:        getenv("CPDB_RUNTIME_DIR", home),
		ConfDir:           confDir,
		CatalogDir:        getenv("CPDB_CATALOG_DIR", "/usr/share/cups/strings"),
		DBPath:            getenv("CPDB_DB_PATH", filepath.Join(confDir, "cpdb-cups.db")),
		LpoptionsPath:     getenv("CPDB_LPOPTIONS", filepath.Join(home, ".cups", "lpoptions")),
		ErrorLogPath:      getenv("CPDB_ERROR_LOG", "stderr"),
		CallLogPath:       getenv("CPDB_CALL_LOG", "none"),
		MaxLogSize:        1024 * 1024,
		LogLevel:          getenv("CPDB_LOG_LEVEL", "info"),
		CupsServer:        os.Getenv("CUPS_SERVER"),
		IdleTimeout:       5 * time.Second,
		EnumTimeout:       3 * time.Second,
		FilteredTimeout:   time.Second,
		LeaseDuration:     24 * time.Hour,
		BrowseDNSSD:       getenvBool("CPDB_BROWSE_DNSSD", true),
		DNSSDTimeout:      time.Second,
		SNMPCommunity:     getenv("CPDB_SNMP_COMMUNITY", "public"),
		UseSystemNotifier: getenvBool("CPDB_CUPS_NOTIFIER", true),
	}

	markEnvOverrides(&overrides)
	parseBackendConf(filepath.Join(cfg.ConfDir, "cpdb-backend.conf"), &cfg, &overrides)
	applyEnvOverrides(&cfg)

	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = os.TempDir()
	}
	if cfg.FilteredTimeout > cfg.EnumTimeout {
		cfg.FilteredTimeout = cfg.EnumTimeout
	}
	return cfg
}

// SocketDir is the directory job sockets are created in.
func (c Config) SocketDir() string {
	return filepath.Join(c.RuntimeDir, "cpdb", "sockets")
}

// RenewInterval is how often the notifier subscription lease is renewed.
func (c Config) RenewInterval() time.Duration {
	interval := c.LeaseDuration - time.Minute
	if interval <= 0 {
		return time.Minute
	}
	return interval
}

func markEnvOverrides(overrides *configOverrides) {
	if overrides == nil {
		return
	}
	if _, ok := os.LookupEnv("CPDB_RUNTIME_DIR"); ok {
		overrides.runtimeDirLocked = true
	}
	if _, ok := os.LookupEnv("CPDB_CONF_DIR"); ok {
		overrides.confDirLocked = true
	}
	if _, ok := os.LookupEnv("CPDB_CATALOG_DIR"); ok {
		overrides.catalogDir = true
	}
	if _, ok := os.LookupEnv("CPDB_DB_PATH"); ok {
		overrides.dbPath = true
	}
	if _, ok := os.LookupEnv("CPDB_ERROR_LOG"); ok {
		overrides.errorLog = true
	}
	if _, ok := os.LookupEnv("CPDB_CALL_LOG"); ok {
		overrides.callLog = true
	}
	if _, ok := os.LookupEnv("CPDB_LOG_LEVEL"); ok {
		overrides.logLevel = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := parseTimeEnv("CPDB_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := parseTimeEnv("CPDB_ENUM_TIMEOUT"); ok {
		cfg.EnumTimeout = v
	}
	if v, ok := parseTimeEnv("CPDB_LEASE_DURATION"); ok {
		cfg.LeaseDuration = v
	}
	if v := os.Getenv("CPDB_MAX_LOG_SIZE"); v != "" {
		if n, ok := parseSize(v); ok {
			cfg.MaxLogSize = n
		}
	}
}

func parseBackendConf(path string, cfg *Config, overrides *configOverrides) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := parts[0]
		value := strings.TrimSpace(line[len(key):])
		switch strings.ToLower(key) {
		case "runtimedir":
			if overrides != nil && overrides.runtimeDirLocked {
				continue
			}
			cfg.RuntimeDir = resolvePath(cfg.ConfDir, value)
		case "catalogdir":
			if overrides != nil && overrides.catalogDir {
				continue
			}
			cfg.CatalogDir = resolvePath(cfg.ConfDir, value)
		case "dbpath":
			if overrides != nil && overrides.dbPath {
				continue
			}
			cfg.DBPath = resolvePath(cfg.ConfDir, value)
		case "errorlog":
			if overrides != nil && overrides.errorLog {
				continue
			}
			cfg.ErrorLogPath = resolveLogPath(cfg.ConfDir, value)
		case "calllog":
			if overrides != nil && overrides.callLog {
				continue
			}
			cfg.CallLogPath = resolveLogPath(cfg.ConfDir, value)
		case "loglevel":
			if overrides != nil && overrides.logLevel {
				continue
			}
			cfg.LogLevel = strings.ToLower(value)
		case "maxlogsize":
			if n, ok := parseSize(value); ok {
				cfg.MaxLogSize = n
			}
		case "idletimeout":
			if n, ok := parseTimeSeconds(value); ok {
				cfg.IdleTimeout = time.Duration(n) * time.Second
			}
		case "enumtimeout":
			if n, ok := parseTimeSeconds(value); ok {
				cfg.EnumTimeout = time.Duration(n) * time.Second
			}
		case "browsednssd":
			if v, ok := parseBool(value); ok {
				cfg.BrowseDNSSD = v
			}
		case "snmpcommunity":
			cfg.SNMPCommunity = value
		case "cupsnotifier":
			if v, ok := parseBool(value); ok {
				cfg.UseSystemNotifier = v
			}
		}
	}
}

func resolvePath(root, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	if filepath.IsAbs(value) || root == "" {
		return value
	}
	return filepath.Join(root, value)
}

func resolveLogPath(root, value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "stderr", "stdout", "-", "none", "off", "syslog":
		return value
	}
	return resolvePath(root, value)
}

func userHome() string {
	if v := os.Getenv("HOME"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseSize(value string) (int64, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1024
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		v = v[:len(v)-1]
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || num < 0 {
		return 0, false
	}
	return int64(num * float64(mult)), true
}

// parseTimeSeconds accepts a bare number of seconds or a number with an
// s/m/h/d suffix.
func parseTimeSeconds(value string) (int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := 1
	switch v[len(v)-1] {
	case 's', 'S':
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 60
		v = v[:len(v)-1]
	case 'h', 'H':
		mult = 60 * 60
		v = v[:len(v)-1]
	case 'd', 'D':
		mult = 24 * 60 * 60
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n * mult, true
}

func parseTimeEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, ok := parseTimeSeconds(v); ok && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes" || v == "on"
	}
	return fallback
}

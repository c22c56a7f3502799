package config

import (
	"fmt"
	"os"
	"strings"

	"market-sync/src/models"
	"market-sync/src/utils"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// Validate checks the loaded configuration and fills defaults for omitted
// cadences and threshold tables.
func (c *Config) Validate() error {
	// Validate App configuration (Flattened)
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration (Flattened)
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort != 0 && (c.GrpcPort <= 1024 || c.GrpcPort > 65535) {
		return fmt.Errorf("invalid grpc port number: %d", c.GrpcPort)
	}

	// Validate Storage configuration (journal is optional)
	if c.Storage.Enabled {
		if c.Storage.DBType == "" {
			return fmt.Errorf("database type cannot be empty when storage is enabled")
		}
		if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
		if c.Storage.DBType == "postgres" && c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
		if c.Storage.RetentionDays <= 0 {
			c.Storage.RetentionDays = utils.DefaultRetentionDays
		}
	}

	// Validate Network configuration
	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Network.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent requests must be greater than 0")
	}
	if c.Network.RequestsPerMinute < 0 || c.Network.RequestsPerDay < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}

	// Validate Feeds configuration
	if err := c.validateFeeds(); err != nil {
		return err
	}

	// Validate Staleness configuration
	if c.Staleness.TickSeconds <= 0 {
		c.Staleness.TickSeconds = utils.DefaultStalenessTickSeconds
	}
	if len(c.Staleness.Classes) == 0 {
		c.Staleness.Classes = utils.DefaultStalenessWindows()
	}
	for class, w := range c.Staleness.Classes {
		if w.DelayedAfterSeconds <= 0 || w.StaleAfterSeconds <= 0 {
			return fmt.Errorf("staleness thresholds for class '%s' must be positive", class)
		}
		if w.StaleAfterSeconds <= w.DelayedAfterSeconds {
			return fmt.Errorf("staleness class '%s': stale_after must exceed delayed_after", class)
		}
	}

	// Validate Instruments
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	feedNames := make(map[string]bool)
	for _, src := range c.Feeds.Sources {
		feedNames[src.Name] = true
	}
	seen := make(map[string]bool)
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		inst.ID = models.NormalizeSymbol(inst.ID)
		if inst.ID == "" {
			return fmt.Errorf("instrument %d must have a symbol", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("duplicate instrument '%s'", inst.ID)
		}
		seen[inst.ID] = true
		if inst.DisplaySymbol == "" {
			inst.DisplaySymbol = strings.ToUpper(inst.ID)
		}
		inst.AssetClass = models.MAssetClass(strings.ToUpper(string(inst.AssetClass)))
		switch inst.AssetClass {
		case models.AssetCrypto, models.AssetForex, models.AssetIndex, models.AssetEquityIndex:
		default:
			return fmt.Errorf("instrument '%s' has unknown asset class '%s'", inst.ID, inst.AssetClass)
		}
		if inst.Feed != "" && !feedNames[inst.Feed] {
			return fmt.Errorf("instrument '%s' references unknown feed '%s'", inst.ID, inst.Feed)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

func (c *Config) validateFeeds() error {
	f := &c.Feeds
	if f.QuotePollSeconds <= 0 {
		f.QuotePollSeconds = utils.DefaultQuotePollSeconds
	}
	if f.HistoryRefreshSeconds <= 0 {
		f.HistoryRefreshSeconds = utils.DefaultHistoryRefreshSeconds
	}
	if f.ReconnectDelaySeconds <= 0 {
		f.ReconnectDelaySeconds = utils.DefaultReconnectDelaySeconds
	}
	if f.ReadIdleSeconds <= 0 {
		f.ReadIdleSeconds = utils.DefaultReadIdleSeconds
	}
	if f.MaxBarsPerSeries <= 0 {
		f.MaxBarsPerSeries = utils.DefaultMaxBarsPerSeries
	}
	for interval, secs := range f.LookbackSeconds {
		if secs <= 0 {
			return fmt.Errorf("lookback for interval '%s' must be positive", interval)
		}
	}

	if len(f.Sources) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}
	for i, src := range f.Sources {
		if src.Name == "" {
			return fmt.Errorf("feed %d must have a name", i)
		}
		switch src.Kind {
		case "push":
			if src.StreamURL == "" {
				return fmt.Errorf("push feed '%s' must have a stream_url", src.Name)
			}
		case "pull":
			if src.HistoryURL == "" && src.QuoteURL == "" {
				return fmt.Errorf("pull feed '%s' must have a history_url or quote_url", src.Name)
			}
		default:
			return fmt.Errorf("feed '%s' has unknown kind '%s' (want push or pull)", src.Name, src.Kind)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// APIKeyFor returns the feed's API key, falling back to the <NAME>_API_KEY
// environment variable when the YAML field is empty.
func (c *Config) APIKeyFor(feedName string) string {
	for _, src := range c.Feeds.Sources {
		if src.Name == feedName && src.APIKey != "" {
			return src.APIKey
		}
	}
	envKey := strings.ToUpper(strings.ReplaceAll(feedName, "-", "_")) + "_API_KEY"
	return os.Getenv(envKey)
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}

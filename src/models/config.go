package models

// MConfig Structure
type MConfig struct {
	Name        string           `yaml:"name"`
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	LogLevel    string           `yaml:"log_level"`
	GrpcHost    string           `yaml:"grpc_host"`
	GrpcPort    int              `yaml:"grpc_port"`
	Storage     MStorageConfig   `yaml:"storage"`
	Network     MNetworkConfig   `yaml:"network"`
	Feeds       MFeedsConfig     `yaml:"feeds"`
	Staleness   MStalenessConfig `yaml:"staleness"`
	Instruments []MInstrument    `yaml:"instruments"`
}

type MStorageConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DBType             string `yaml:"db_type"`
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
	RetentionDays      int    `yaml:"retention_days"`
}

type MNetworkConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Proxies            []string `yaml:"proxies"`
	RequestTimeout     int      `yaml:"timeout"`
	MaxRetries         int      `yaml:"retries"`
	ConcurrentRequests int      `yaml:"concurrent_requests"`
	UserAgent          string   `yaml:"user_agent"`
	RequestsPerMinute  int      `yaml:"requests_per_minute"`
	RequestsPerDay     int      `yaml:"requests_per_day"`
}

type MFeedsConfig struct {
	QuotePollSeconds      int              `yaml:"quote_poll_seconds"`
	HistoryRefreshSeconds int              `yaml:"history_refresh_seconds"`
	ReconnectDelaySeconds int              `yaml:"reconnect_delay_seconds"`
	ReadIdleSeconds       int              `yaml:"read_idle_seconds"`
	MaxBarsPerSeries      int              `yaml:"max_bars_per_series"`
	LookbackSeconds       map[string]int64 `yaml:"lookback_seconds"`
	Sources               []MFeedConfig    `yaml:"sources"`
}

type MFeedConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // "push" or "pull"
	StreamURL  string `yaml:"stream_url"`
	HistoryURL string `yaml:"history_url"`
	QuoteURL   string `yaml:"quote_url"`
	APIKey     string `yaml:"api_key"` // Optional; empty falls back to <NAME>_API_KEY env
}

type MStalenessConfig struct {
	TickSeconds int                          `yaml:"tick_seconds"`
	Classes     map[string]MStalenessWindows `yaml:"classes"`
}

type MStalenessWindows struct {
	DelayedAfterSeconds int64 `yaml:"delayed_after_seconds"`
	StaleAfterSeconds   int64 `yaml:"stale_after_seconds"`
}

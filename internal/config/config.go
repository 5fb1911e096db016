package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures content sources, feed filters, and curation tuning.
type Config struct {
	Sources []SourceConfig `yaml:"sources"`
	Feed    FeedConfig     `yaml:"feed"`
	Profile ProfileConfig  `yaml:"profile"`
	Storage StorageConfig  `yaml:"storage"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

type SourceConfig struct {
	Name string `yaml:"name"`
	// danbooru, gelbooru, or moebooru
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// If empty, read from env BOORU_USER_ID / BOORU_API_KEY
	UserID string `yaml:"userId"`
	APIKey string `yaml:"apiKey"`
}

type FeedConfig struct {
	// Content ratings to request, long form
	Ratings []string `yaml:"ratings"`
	// Tags every returned post must / must not carry
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
	// Tags the profile never learns from and queries never use
	AvoidedTags []string `yaml:"avoidedTags"`
	WantsImages bool     `yaml:"wantsImages"`
	WantsVideos bool     `yaml:"wantsVideos"`
	// Posts requested per query and per curated page
	PostsPerFetch int `yaml:"postsPerFetch"`
	MaxTotal      int `yaml:"maxTotal"`
	// Every Nth feed slot is reserved for the discovery bucket
	DiscoveryInterval int `yaml:"discoveryInterval"`
	// Fraction of scored posts that lands in the ranked bucket
	RankedFraction float64 `yaml:"rankedFraction"`
}

type ProfileConfig struct {
	// Exponential decay rate per hour applied to raw scores
	DecayRate float64 `yaml:"decayRate"`
	// Minutes between periodic profile refreshes
	RefreshMinutes int `yaml:"refreshMinutes"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Sources: []SourceConfig{
			{Name: "danbooru", Type: "danbooru", URL: "https://danbooru.donmai.us"},
		},
		Feed: FeedConfig{
			Ratings:           []string{"general"},
			WantsImages:       true,
			WantsVideos:       true,
			PostsPerFetch:     20,
			MaxTotal:          10,
			DiscoveryInterval: 4,
			RankedFraction:    0.6,
		},
		Profile: ProfileConfig{DecayRate: 0.05, RefreshMinutes: 5},
		Storage: StorageConfig{DBPath: "./booruramen.db"},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// ResolveEnv fills in credential fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	for i := range c.Sources {
		if c.Sources[i].UserID == "" {
			c.Sources[i].UserID = os.Getenv("BOORU_USER_ID")
		}
		if c.Sources[i].APIKey == "" {
			c.Sources[i].APIKey = os.Getenv("BOORU_API_KEY")
		}
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	cfg.applyFloors()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// applyFloors backfills zero-valued tuning knobs with defaults so a sparse
// config file never produces a degenerate curator.
func (c *Config) applyFloors() {
	d := Default()
	if c.Feed.PostsPerFetch <= 0 {
		c.Feed.PostsPerFetch = d.Feed.PostsPerFetch
	}
	if c.Feed.MaxTotal <= 0 {
		c.Feed.MaxTotal = d.Feed.MaxTotal
	}
	if c.Feed.DiscoveryInterval <= 0 {
		c.Feed.DiscoveryInterval = d.Feed.DiscoveryInterval
	}
	if c.Feed.RankedFraction <= 0 || c.Feed.RankedFraction > 1 {
		c.Feed.RankedFraction = d.Feed.RankedFraction
	}
	if c.Profile.DecayRate <= 0 {
		c.Profile.DecayRate = d.Profile.DecayRate
	}
	if c.Profile.RefreshMinutes <= 0 {
		c.Profile.RefreshMinutes = d.Profile.RefreshMinutes
	}
	if len(c.Feed.Ratings) == 0 {
		c.Feed.Ratings = d.Feed.Ratings
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = d.Storage.DBPath
	}
}

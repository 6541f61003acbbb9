package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Loot      LootConfig      `mapstructure:"loot"`
	Tombstone TombstoneConfig `mapstructure:"tombstone"`
	Resource  ResourceConfig  `mapstructure:"resource"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Debug        bool   `mapstructure:"debug"`
	AdminKey     string `mapstructure:"admin_key"`
	HostIdentity string `mapstructure:"host_identity"` // owner identity of the hosting player
	StartScene   string `mapstructure:"start_scene"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// Per-peer inbound WS message budget.
	PeerMsgRPS   float64 `mapstructure:"peer_msg_rps"`
	PeerMsgBurst int     `mapstructure:"peer_msg_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AdminIPs       []string `mapstructure:"admin_ips"`
}

// LootConfig holds the replication timings and spatial radii.
type LootConfig struct {
	StateTimeout       time.Duration `mapstructure:"state_timeout"`
	ResyncTimeout      time.Duration `mapstructure:"resync_timeout"`
	DeadLootMute       time.Duration `mapstructure:"dead_loot_mute"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxRetries         int           `mapstructure:"max_retries"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	CleanupRadius      float64       `mapstructure:"cleanup_radius"`
	HintRadius         float64       `mapstructure:"hint_radius"`
	AggressiveRadius   float64       `mapstructure:"aggressive_radius"`
	DedupeRadius       float64       `mapstructure:"dedupe_radius"`
	MinCapacity        int           `mapstructure:"min_capacity"`
	MaxCapacity        int           `mapstructure:"max_capacity"`
	RestoreMinCapacity int           `mapstructure:"restore_min_capacity"`
	EventLogSize       int           `mapstructure:"event_log_size"`
}

type TombstoneConfig struct {
	Backend        string        `mapstructure:"backend"` // file | db
	Dir            string        `mapstructure:"dir"`
	Compress       bool          `mapstructure:"compress"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

type ResourceConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// DefaultLoot returns the loot settings used when no config file overrides them.
func DefaultLoot() LootConfig {
	return LootConfig{
		StateTimeout:       1500 * time.Millisecond,
		ResyncTimeout:      2 * time.Second,
		DeadLootMute:       2 * time.Second,
		RetryDelay:         100 * time.Millisecond,
		MaxRetries:         10,
		TokenTTL:           30 * time.Second,
		ReapInterval:       5 * time.Second,
		CleanupRadius:      1.0,
		HintRadius:         2.5,
		AggressiveRadius:   3.0,
		DedupeRadius:       1.0,
		MinCapacity:        1,
		MaxCapacity:        128,
		RestoreMinCapacity: 10,
		EventLogSize:       200,
	}
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultLoot()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/lootsync.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.peer_msg_rps", 60)
	v.SetDefault("security.peer_msg_burst", 120)
	v.SetDefault("loot.state_timeout", d.StateTimeout)
	v.SetDefault("loot.resync_timeout", d.ResyncTimeout)
	v.SetDefault("loot.dead_loot_mute", d.DeadLootMute)
	v.SetDefault("loot.retry_delay", d.RetryDelay)
	v.SetDefault("loot.max_retries", d.MaxRetries)
	v.SetDefault("loot.token_ttl", d.TokenTTL)
	v.SetDefault("loot.reap_interval", d.ReapInterval)
	v.SetDefault("loot.cleanup_radius", d.CleanupRadius)
	v.SetDefault("loot.hint_radius", d.HintRadius)
	v.SetDefault("loot.aggressive_radius", d.AggressiveRadius)
	v.SetDefault("loot.dedupe_radius", d.DedupeRadius)
	v.SetDefault("loot.min_capacity", d.MinCapacity)
	v.SetDefault("loot.max_capacity", d.MaxCapacity)
	v.SetDefault("loot.restore_min_capacity", d.RestoreMinCapacity)
	v.SetDefault("loot.event_log_size", d.EventLogSize)
	v.SetDefault("tombstone.backend", "file")
	v.SetDefault("tombstone.dir", "./data/tombstones")
	v.SetDefault("tombstone.compress", false)
	v.SetDefault("tombstone.max_age", "720h") // 30 days
	v.SetDefault("tombstone.expire_interval", "1h")
}

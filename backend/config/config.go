package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port       int  `mapstructure:"port"`
		EnableCORS bool `mapstructure:"enable_cors"`
		AccessLog  bool `mapstructure:"access_log"`
	} `mapstructure:"running"`
	Upstream struct {
		// websocket: 直连协作服务端；redis: 经 redis pub/sub 中转
		Mode            string        `mapstructure:"mode"`
		URL             string        `mapstructure:"url"`
		SendQueue       int           `mapstructure:"send_queue"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		PingInterval    time.Duration `mapstructure:"ping_interval"`
		ReconnectBase   time.Duration `mapstructure:"reconnect_base"`
		ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
		ReconnectGiveUp time.Duration `mapstructure:"reconnect_give_up"`
	} `mapstructure:"upstream"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
		// 配了就走 auth-service 远端校验，不再用本地密钥
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		AckTimeout           time.Duration `mapstructure:"ack_timeout"`
		RetransmitBackoff    time.Duration `mapstructure:"retransmit_backoff"`
		MaxRetransmitBackoff time.Duration `mapstructure:"max_retransmit_backoff"`
		MaxRetransmits       uint64        `mapstructure:"max_retransmits"`
		UndoDepth            int           `mapstructure:"undo_depth"`
		RebaseDepth          int           `mapstructure:"rebase_depth"`
		Buffer               string        `mapstructure:"buffer"`
	} `mapstructure:"collab"`
	Cursor struct {
		BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
		InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
		StoreTTL          time.Duration `mapstructure:"store_ttl"`
		LineHeight        float64       `mapstructure:"line_height"`
		CharWidth         float64       `mapstructure:"char_width"`
		PaddingTop        float64       `mapstructure:"padding_top"`
		PaddingLeft       float64       `mapstructure:"padding_left"`
	} `mapstructure:"cursor"`
	Presence struct {
		TypingQuiet       time.Duration `mapstructure:"typing_quiet"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"presence"`
}

const (
	UpstreamWebsocket = "websocket"
	UpstreamRedis     = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3004)
	v.SetDefault("running.enable_cors", false)
	v.SetDefault("running.access_log", true)

	v.SetDefault("upstream.mode", UpstreamWebsocket)
	v.SetDefault("upstream.url", "ws://localhost:3002/collab/ws")
	v.SetDefault("upstream.send_queue", 256)
	v.SetDefault("upstream.write_timeout", "5s")
	v.SetDefault("upstream.ping_interval", "25s")
	v.SetDefault("upstream.reconnect_base", "500ms")
	v.SetDefault("upstream.reconnect_max", "30s")
	v.SetDefault("upstream.reconnect_give_up", "0s")

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab-sync-events")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", "50ms")
	v.SetDefault("kafka.max_backoff", "1s")

	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.path", "")

	v.SetDefault("collab.ack_timeout", "5s")
	v.SetDefault("collab.retransmit_backoff", "500ms")
	v.SetDefault("collab.max_retransmit_backoff", "8s")
	v.SetDefault("collab.max_retransmits", 3)
	v.SetDefault("collab.undo_depth", 100)
	v.SetDefault("collab.rebase_depth", 64)
	v.SetDefault("collab.buffer", "piece_table")

	v.SetDefault("cursor.broadcast_interval", "100ms")
	v.SetDefault("cursor.inactivity_timeout", "10s")
	v.SetDefault("cursor.store_ttl", "60s")
	v.SetDefault("cursor.line_height", 20)
	v.SetDefault("cursor.char_width", 8)
	v.SetDefault("cursor.padding_top", 0)
	v.SetDefault("cursor.padding_left", 0)

	v.SetDefault("presence.typing_quiet", "2s")
	v.SetDefault("presence.heartbeat_interval", "30s")
}

// Load 读取 bridgeConfig.yaml，找不到文件时只用默认值和环境变量（COLLAB_RUNNING_PORT 之类）
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("bridgeConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Upstream.Mode != UpstreamWebsocket && cfg.Upstream.Mode != UpstreamRedis {
		return nil, errors.New("upstream.mode must be websocket or redis")
	}
	if cfg.Upstream.Mode == UpstreamRedis && len(cfg.Redis.Addrs) == 0 {
		return nil, errors.New("upstream.mode redis requires redis.addrs")
	}
	return cfg, nil
}

package config

import "time"

type Gtr9Config struct {
	Host            string
	TcpPort         int
	UdpPort         int
	DeviceOffset    int64
	RegisterUnknown bool
}

type SessionConfig struct {
	Timeout          time.Duration
	UpdateState      bool
	MotionThreshold  float64 // knots
	OverspeedLimit   float64 // knots, 0 disables overspeed tracking
	CommandsQueueing bool
}

type BufferingConfig struct {
	Threshold time.Duration // 0 bypasses the reordering buffer
}

type FilterConfig struct {
	Enable         bool
	Invalid        bool
	Zero           bool
	Duplicate      bool
	Outdated       bool
	Future         time.Duration
	Past           time.Duration
	Accuracy       float64
	Approximate    bool
	Static         bool
	Distance       float64 // meters
	MaxSpeed       float64 // knots
	MinPeriod      time.Duration
	DailyLimit     int
	SkipLimit      time.Duration
	SkipAttributes []string
}

type PipelineConfig struct {
	TimeOverride  string   // "deviceTime" or "serverTime"
	TimeProtocols []string // protocols time handling applies to, empty means all
	Computed      []string // "name=expression" entries
	Filter        FilterConfig
}

type ForwardConfig struct {
	Enable      bool
	Url         string
	Username    string
	Password    string
	Database    string
	Measurement string
	RetryDelay  time.Duration
	RetryCount  int
	RetryLimit  int
}

type StorageConfig struct {
	Backend       string // "memory" or "mongodb"
	MongoUri      string
	MongoDatabase string
	RedisEnable   bool
	RedisAddress  string
	RedisPassword string
}

type MetricsConfig struct {
	Host            string
	Port            int
	MetricsFileName string
}

type WebsocketConfig struct {
	Host string
	Port int
}

type UdsServerConfig struct {
	BasePath string
}

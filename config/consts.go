package config

type MyKey struct {
	KeyName string
}

var (
	ContextConfigKey = MyKey{
		KeyName: "config",
	}
)

const (
	AppName        = "gtrd"
	ViperEnvPrefix = AppName

	Verbose = "verbose"
	Debug   = "debug"

	// GTR-9 server
	Gtr9ListeningIp     = "listenip"
	Gtr9TcpPort         = "tcpport"
	Gtr9UdpPort         = "udpport"
	Gtr9DeviceOffset    = "deviceoffset"
	Gtr9RegisterUnknown = "registerunknown"

	// Session registry
	SessionTimeout         = "sessiontimeout"
	SessionUpdateState     = "sessionupdatestate"
	SessionMotionThreshold = "motionspeed"
	SessionOverspeedLimit  = "overspeedlimit"

	// Reordering buffer
	BufferingThreshold = "bufferingthreshold"

	// Processing pipeline
	TimeOverride           = "timeoverride"
	TimeOverrideDeviceTime = "deviceTime"
	TimeOverrideServerTime = "serverTime"
	TimeProtocols          = "timeprotocols"
	FilterEnable           = "filterenable"
	FilterInvalid          = "filterinvalid"
	FilterZero             = "filterzero"
	FilterDuplicate        = "filterduplicate"
	FilterOutdated         = "filteroutdated"
	FilterFuture           = "filterfuture"
	FilterPast             = "filterpast"
	FilterAccuracy         = "filteraccuracy"
	FilterApproximate      = "filterapproximate"
	FilterStatic           = "filterstatic"
	FilterDistance         = "filterdistance"
	FilterMaxSpeed         = "filtermaxspeed"
	FilterMinPeriod        = "filterminperiod"
	FilterDailyLimit       = "filterdailylimit"
	FilterSkipLimit        = "filterskiplimit"
	FilterSkipAttributes   = "filterskipattributes"
	ComputedAttributes     = "computedattributes"

	// Forwarding (InfluxDB sink)
	ForwardEnable      = "forwardenable"
	ForwardUrl         = "forwardurl"
	ForwardUsername    = "forwardusername"
	ForwardPassword    = "forwardpassword"
	ForwardDatabase    = "forwarddatabase"
	ForwardMeasurement = "forwardmeasurement"
	ForwardRetryDelay  = "forwardretrydelay"
	ForwardRetryCount  = "forwardretrycount"
	ForwardRetryLimit  = "forwardretrylimit"

	// Storage
	StorageBackend = "storagebackend" // memory | mongodb
	MongoUri       = "mongouri"
	MongoDatabase  = "mongodatabase"
	RedisEnable    = "redisenable"
	RedisAddress   = "redisaddress"
	RedisPassword  = "redispassword"

	// Command dispatch
	CommandsQueueing = "commandsqueueing"

	// Metrics server
	MetricsListeningIp   = "metricsip"
	MetricsListeningPort = "metricsport"
	MetricsFileName      = "mp"

	// Live websocket feed
	WebsocketListeningIp   = "wsip"
	WebsocketListeningPort = "wsport"

	// Local UDS command bridge
	UdsBasePath = "udsbasepath"

	DefaultDebug   = false
	DefaultVerbose = false

	DefaultGtr9ListeningIP     = "0.0.0.0"
	DefaultGtr9TcpPort         = 9170
	DefaultGtr9UdpPort         = 9171
	DefaultGtr9DeviceOffset    = 1300000
	DefaultGtr9RegisterUnknown = false

	DefaultSessionTimeout         = 600 // seconds
	DefaultSessionUpdateState     = true
	DefaultSessionMotionThreshold = 0.01 // knots
	DefaultSessionOverspeedLimit  = 0.0  // knots, 0 disables

	DefaultBufferingThreshold = 0 // milliseconds, 0 bypasses the buffer

	DefaultTimeOverride         = "deviceTime"
	DefaultTimeProtocols        = "" // comma separated allow-list, empty applies to all
	DefaultFilterEnable         = true
	DefaultFilterInvalid        = false
	DefaultFilterZero           = false
	DefaultFilterDuplicate      = false
	DefaultFilterOutdated       = false
	DefaultFilterFuture         = 86400 // seconds
	DefaultFilterPast           = 0     // seconds, 0 disables
	DefaultFilterAccuracy       = 0
	DefaultFilterApproximate    = false
	DefaultFilterStatic         = false
	DefaultFilterDistance       = 0 // meters
	DefaultFilterMaxSpeed       = 0 // knots
	DefaultFilterMinPeriod      = 0 // seconds
	DefaultFilterDailyLimit     = 0
	DefaultFilterSkipLimit      = 0 // seconds
	DefaultFilterSkipAttributes = ""
	DefaultComputedAttributes   = "" // name=expression entries separated by semicolon

	DefaultForwardEnable      = false
	DefaultForwardUrl         = "http://localhost:8086"
	DefaultForwardDatabase    = AppName
	DefaultForwardMeasurement = "positions"
	DefaultForwardUsername    = AppName
	DefaultForwardPassword    = "123"
	DefaultForwardRetryDelay  = 100 // milliseconds, doubled per attempt
	DefaultForwardRetryCount  = 10
	DefaultForwardRetryLimit  = 100 // max in-flight retries

	DefaultStorageBackend = "memory"
	DefaultMongoUri       = "mongodb://localhost:27017"
	DefaultMongoDatabase  = AppName
	DefaultRedisEnable    = false
	DefaultRedisAddress   = "localhost:6379"
	DefaultRedisPassword  = ""

	DefaultCommandsQueueing = true

	DefaultMetricsListeningIP   = "0.0.0.0"
	DefaultMetricsListeningPort = 9172
	DefaultMetricsFileName      = AppName + ".met"

	DefaultWebsocketListeningIP   = "0.0.0.0"
	DefaultWebsocketListeningPort = 9173

	DefaultUdsBasePath = "/var/run/gtrd"
)

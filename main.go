package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/geotrail/gtrd/broadcast"
	"github.com/geotrail/gtrd/buffering"
	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/forward"
	"github.com/geotrail/gtrd/gtr9"
	m "github.com/geotrail/gtrd/metrics"
	mi "github.com/geotrail/gtrd/metrics/impl"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/pipeline"
	"github.com/geotrail/gtrd/session"
	"github.com/geotrail/gtrd/storage"
	"github.com/geotrail/gtrd/uds"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func parseConfig() *config.Config {
	// Initialize logger
	log := config.NewLogger()

	// Read configuration
	viper.SetConfigName("cfg")                                     // Name of cfg file (without extension)
	viper.SetConfigType("yaml")                                    // REQUIRED if the cfg file does not have the extension in the name
	viper.AddConfigPath(fmt.Sprintf("/etc/%s/", config.AppName))   // path to look for the cfg file in
	viper.AddConfigPath(fmt.Sprintf("$HOME/.%s/", config.AppName)) // call multiple times to add many search paths
	viper.AddConfigPath(".")                                       // Optionally look for cfg in the working directory
	viper.SetEnvPrefix(config.ViperEnvPrefix)
	viper.AutomaticEnv() // Use environment variables if defined

	err := viper.ReadInConfig() // Find and read the cfg file
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		log.Infof("Config file was not found. Using defaults.")
	} else if err != nil {
		log.Fatalf("Failed to parse cfg file. %v", err)
	}

	// General configs
	flag.Bool(config.Debug, config.DefaultDebug, "Set log level to debug")
	flag.Bool(config.Verbose, config.DefaultVerbose, "Set log level to verbose")
	// GTR-9 server configs
	flag.String(config.Gtr9ListeningIp, config.DefaultGtr9ListeningIP, "GTR-9 server listening IP address (IPv4 or IPv6)")
	flag.Int(config.Gtr9TcpPort, config.DefaultGtr9TcpPort, "GTR-9 server listening TCP port")
	flag.Int(config.Gtr9UdpPort, config.DefaultGtr9UdpPort, "GTR-9 server listening UDP port")
	flag.Int64(config.Gtr9DeviceOffset, config.DefaultGtr9DeviceOffset, "Numeric offset added to the box identifier to form the device identifier")
	flag.Bool(config.Gtr9RegisterUnknown, config.DefaultGtr9RegisterUnknown, "Automatically register devices not found in storage")
	// Session registry configs
	flag.Int(config.SessionTimeout, config.DefaultSessionTimeout, "Seconds of silence before an online device becomes unknown")
	flag.Bool(config.SessionUpdateState, config.DefaultSessionUpdateState, "Recompute motion/overspeed state when a device goes silent")
	flag.Float64(config.SessionMotionThreshold, config.DefaultSessionMotionThreshold, "Speed in knots above which a device counts as moving")
	flag.Float64(config.SessionOverspeedLimit, config.DefaultSessionOverspeedLimit, "Speed in knots above which an overspeed event fires (0 disables)")
	// Reordering buffer configs
	flag.Int(config.BufferingThreshold, config.DefaultBufferingThreshold, "Milliseconds to hold positions for reordering (0 disables)")
	// Pipeline configs
	flag.String(config.TimeOverride, config.DefaultTimeOverride, "Fix time source: deviceTime or serverTime")
	flag.String(config.TimeProtocols, config.DefaultTimeProtocols, "Protocols time handling applies to. Separated by comma, empty applies to all.")
	flag.Bool(config.FilterEnable, config.DefaultFilterEnable, "Enable the position filter stage")
	flag.Bool(config.FilterInvalid, config.DefaultFilterInvalid, "Drop positions without a valid fix")
	flag.Bool(config.FilterZero, config.DefaultFilterZero, "Drop positions at coordinate origin")
	flag.Bool(config.FilterDuplicate, config.DefaultFilterDuplicate, "Drop duplicate positions")
	flag.Bool(config.FilterOutdated, config.DefaultFilterOutdated, "Drop positions without a real fix")
	flag.Int(config.FilterFuture, config.DefaultFilterFuture, "Drop positions more than this many seconds in the future (0 disables)")
	flag.Int(config.FilterPast, config.DefaultFilterPast, "Drop positions more than this many seconds in the past (0 disables)")
	flag.Float64(config.FilterAccuracy, config.DefaultFilterAccuracy, "Drop positions with worse accuracy than this (0 disables)")
	flag.Bool(config.FilterApproximate, config.DefaultFilterApproximate, "Drop approximate positions")
	flag.Bool(config.FilterStatic, config.DefaultFilterStatic, "Drop positions with zero speed")
	flag.Float64(config.FilterDistance, config.DefaultFilterDistance, "Drop positions closer than this many meters to the previous one (0 disables)")
	flag.Float64(config.FilterMaxSpeed, config.DefaultFilterMaxSpeed, "Drop positions implying a speed above this many knots (0 disables)")
	flag.Int(config.FilterMinPeriod, config.DefaultFilterMinPeriod, "Drop positions arriving within this many seconds of the previous one (0 disables)")
	flag.Int(config.FilterDailyLimit, config.DefaultFilterDailyLimit, "Drop positions beyond this count per device per day (0 disables)")
	flag.Int(config.FilterSkipLimit, config.DefaultFilterSkipLimit, "Bypass filtering after this many seconds of silence (0 disables)")
	flag.String(config.FilterSkipAttributes, config.DefaultFilterSkipAttributes, "Attributes ignored by duplicate detection. Separated by comma.")
	flag.String(config.ComputedAttributes, config.DefaultComputedAttributes, "Computed attributes as name=expression entries. Separated by semicolon.")
	// Forwarding configs
	flag.Bool(config.ForwardEnable, config.DefaultForwardEnable, "Forward processed positions to InfluxDB")
	flag.String(config.ForwardUrl, config.DefaultForwardUrl, "URL of InfluxDB server")
	flag.String(config.ForwardUsername, config.DefaultForwardUsername, "InfluxDB username")
	flag.String(config.ForwardPassword, config.DefaultForwardPassword, "InfluxDB password")
	flag.String(config.ForwardDatabase, config.DefaultForwardDatabase, "InfluxDB database name")
	flag.String(config.ForwardMeasurement, config.DefaultForwardMeasurement, "Name of the InfluxDB measurement")
	flag.Int(config.ForwardRetryDelay, config.DefaultForwardRetryDelay, "Initial forward retry delay in milliseconds, doubled per attempt")
	flag.Int(config.ForwardRetryCount, config.DefaultForwardRetryCount, "Forward retries per position")
	flag.Int(config.ForwardRetryLimit, config.DefaultForwardRetryLimit, "Maximum in-flight forward deliveries")
	// Storage configs
	flag.String(config.StorageBackend, config.DefaultStorageBackend, "Storage backend: memory or mongodb")
	flag.String(config.MongoUri, config.DefaultMongoUri, "MongoDB connection URI")
	flag.String(config.MongoDatabase, config.DefaultMongoDatabase, "MongoDB database name")
	flag.Bool(config.RedisEnable, config.DefaultRedisEnable, "Cache last positions in Redis")
	flag.String(config.RedisAddress, config.DefaultRedisAddress, "Redis server address")
	flag.String(config.RedisPassword, config.DefaultRedisPassword, "Redis password")
	// Command dispatch configs
	flag.Bool(config.CommandsQueueing, config.DefaultCommandsQueueing, "Queue commands for offline devices")
	// Metrics server configs
	flag.String(config.MetricsListeningIp, config.DefaultMetricsListeningIP, "Metrics server listening IP address (IPv4 or IPv6)")
	flag.Int(config.MetricsListeningPort, config.DefaultMetricsListeningPort, "Metrics server listening port")
	flag.String(config.MetricsFileName, config.DefaultMetricsFileName, "File where metrics are written")
	// Websocket server configs
	flag.String(config.WebsocketListeningIp, config.DefaultWebsocketListeningIP, "Websocket server listening IP address (IPv4 or IPv6)")
	flag.Int(config.WebsocketListeningPort, config.DefaultWebsocketListeningPort, "Websocket server listening port")
	// UDS command bridge configs
	flag.String(config.UdsBasePath, config.DefaultUdsBasePath, "Directory for per-device command sockets")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	err = viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Errorf("Failed to bindPFlags. %v", err)
	}

	verbose := viper.GetBool(config.Verbose)
	debug := viper.GetBool(config.Debug)
	if verbose {
		log.SetLevel(logrus.TraceLevel)
		log.Warningf("Active log level: %s", log.GetLevel())
	} else if debug {
		log.SetLevel(logrus.DebugLevel)
		log.Warningf("Active log level: %s", log.GetLevel())
	}

	// Initialize cfg
	gtr9Config := &config.Gtr9Config{
		Host:            viper.GetString(config.Gtr9ListeningIp),
		TcpPort:         viper.GetInt(config.Gtr9TcpPort),
		UdpPort:         viper.GetInt(config.Gtr9UdpPort),
		DeviceOffset:    viper.GetInt64(config.Gtr9DeviceOffset),
		RegisterUnknown: viper.GetBool(config.Gtr9RegisterUnknown),
	}

	sessionConfig := &config.SessionConfig{
		Timeout:          time.Duration(viper.GetInt(config.SessionTimeout)) * time.Second,
		UpdateState:      viper.GetBool(config.SessionUpdateState),
		MotionThreshold:  viper.GetFloat64(config.SessionMotionThreshold),
		OverspeedLimit:   viper.GetFloat64(config.SessionOverspeedLimit),
		CommandsQueueing: viper.GetBool(config.CommandsQueueing),
	}

	bufferingConfig := &config.BufferingConfig{
		Threshold: time.Duration(viper.GetInt(config.BufferingThreshold)) * time.Millisecond,
	}

	var skipAttributes []string
	if raw := viper.GetString(config.FilterSkipAttributes); raw != "" {
		skipAttributes = strings.Split(raw, ",")
	}

	var computedEntries []string
	if raw := viper.GetString(config.ComputedAttributes); raw != "" {
		computedEntries = strings.Split(raw, ";")
	}

	var timeProtocols []string
	if raw := viper.GetString(config.TimeProtocols); raw != "" {
		timeProtocols = strings.Split(raw, ",")
	}

	pipelineConfig := &config.PipelineConfig{
		TimeOverride:  viper.GetString(config.TimeOverride),
		TimeProtocols: timeProtocols,
		Computed:      computedEntries,
		Filter: config.FilterConfig{
			Enable:         viper.GetBool(config.FilterEnable),
			Invalid:        viper.GetBool(config.FilterInvalid),
			Zero:           viper.GetBool(config.FilterZero),
			Duplicate:      viper.GetBool(config.FilterDuplicate),
			Outdated:       viper.GetBool(config.FilterOutdated),
			Future:         time.Duration(viper.GetInt(config.FilterFuture)) * time.Second,
			Past:           time.Duration(viper.GetInt(config.FilterPast)) * time.Second,
			Accuracy:       viper.GetFloat64(config.FilterAccuracy),
			Approximate:    viper.GetBool(config.FilterApproximate),
			Static:         viper.GetBool(config.FilterStatic),
			Distance:       viper.GetFloat64(config.FilterDistance),
			MaxSpeed:       viper.GetFloat64(config.FilterMaxSpeed),
			MinPeriod:      time.Duration(viper.GetInt(config.FilterMinPeriod)) * time.Second,
			DailyLimit:     viper.GetInt(config.FilterDailyLimit),
			SkipLimit:      time.Duration(viper.GetInt(config.FilterSkipLimit)) * time.Second,
			SkipAttributes: skipAttributes,
		},
	}

	forwardConfig := &config.ForwardConfig{
		Enable:      viper.GetBool(config.ForwardEnable),
		Url:         viper.GetString(config.ForwardUrl),
		Username:    viper.GetString(config.ForwardUsername),
		Password:    viper.GetString(config.ForwardPassword),
		Database:    viper.GetString(config.ForwardDatabase),
		Measurement: viper.GetString(config.ForwardMeasurement),
		RetryDelay:  time.Duration(viper.GetInt(config.ForwardRetryDelay)) * time.Millisecond,
		RetryCount:  viper.GetInt(config.ForwardRetryCount),
		RetryLimit:  viper.GetInt(config.ForwardRetryLimit),
	}

	storageConfig := &config.StorageConfig{
		Backend:       viper.GetString(config.StorageBackend),
		MongoUri:      viper.GetString(config.MongoUri),
		MongoDatabase: viper.GetString(config.MongoDatabase),
		RedisEnable:   viper.GetBool(config.RedisEnable),
		RedisAddress:  viper.GetString(config.RedisAddress),
		RedisPassword: viper.GetString(config.RedisPassword),
	}

	metricsConfig := &config.MetricsConfig{
		Host:            viper.GetString(config.MetricsListeningIp),
		Port:            viper.GetInt(config.MetricsListeningPort),
		MetricsFileName: viper.GetString(config.MetricsFileName),
	}

	websocketConfig := &config.WebsocketConfig{
		Host: viper.GetString(config.WebsocketListeningIp),
		Port: viper.GetInt(config.WebsocketListeningPort),
	}

	udsServerConfig := &config.UdsServerConfig{
		BasePath: viper.GetString(config.UdsBasePath),
	}

	cfg := config.NewConfig(log, gtr9Config, sessionConfig, bufferingConfig, pipelineConfig,
		forwardConfig, storageConfig, metricsConfig, websocketConfig, udsServerConfig)
	return cfg
}

// logNotifier is the notification collaborator. The full application
// plugs email/SMS transports in here; the daemon just logs.
type logNotifier struct{}

func (n *logNotifier) OnEvent(ctx context.Context, event *model.Event, position *model.Position) {
	config.GetLogger(ctx).Infof("Event %s for device %d", event.Type, event.DeviceId)
}

func main() {
	var wg sync.WaitGroup

	cfg := parseConfig()

	log := cfg.GetLogger()
	log.Tracef("Used GTR-9 server configuration: %+v", cfg.GetGtr9Config())
	log.Tracef("Used session configuration: %+v", cfg.GetSessionConfig())
	log.Tracef("Used storage configuration: %+v", cfg.GetStorageConfig())
	log.Tracef("Used metrics configuration: %+v", cfg.GetMetricsConfig())

	// Initialize context
	ctxSignals, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx := context.WithValue(context.Background(), config.ContextConfigKey, cfg)

	// Initialize storage
	var store storage.Storage
	switch cfg.GetStorageConfig().Backend {
	case "mongodb":
		mongoStore, err := storage.NewMongoStorage(ctx, cfg.GetStorageConfig())
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB. %v", err)
			os.Exit(1)
		}
		store = mongoStore
	default:
		store = storage.NewMemoryStorage()
	}
	if cfg.GetStorageConfig().RedisEnable {
		cachedStore, err := storage.NewCachedStorage(ctx, store, cfg.GetStorageConfig())
		if err != nil {
			log.Fatalf("Failed to connect to Redis. %v", err)
			os.Exit(1)
		}
		store = cachedStore
	}
	defer func() {
		err := store.Close(ctx)
		if err != nil {
			log.Errorf("Failed to close storage. %v", err)
		}
	}()

	// Initialize metrics collector
	metrics := mi.NewMetrics(ctx, &wg, cfg.GetMetricsConfig().MetricsFileName)
	defer func() {
		err := metrics.Close()
		if err != nil {
			log.Errorf("Failed to close metrics. %v", err)
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		log.Errorf("Failed to get hostname. %v", err)
	}
	tags := []string{
		fmt.Sprintf("host=%s", hostname),
	}

	metricsServer := m.NewServer(ctx, &wg, cfg.GetMetricsConfig(), tags, []m.MetricProvider{
		metrics,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		metricsServer.Start()
	}()

	// Initialize session registry and command dispatch
	registry := session.NewRegistry(ctx, cfg.GetSessionConfig(), cfg.GetGtr9Config().RegisterUnknown,
		store, &logNotifier{})
	defer registry.Stop()

	commands := session.NewCommandsManager(registry, cfg.GetSessionConfig().CommandsQueueing, metrics)

	// Initialize live feed
	broadcaster := broadcast.NewBroadcaster(ctx)
	registry.Subscribe(broadcaster)

	websocketServer := broadcast.NewWebsocketServer(ctx, &wg, cfg.GetWebsocketConfig(), broadcaster)
	defer func() {
		err := websocketServer.Stop()
		if err != nil {
			log.Errorf("Failed to stop websocket server. %v", err)
		}
	}()
	err = websocketServer.Start()
	if err != nil {
		log.Errorf("Failed to start websocket server. %v", err)
	}

	// Initialize forwarding sink
	var sink pipeline.Sink
	if cfg.GetForwardConfig().Enable {
		influxdb := forward.NewConnection(ctx, cfg.GetForwardConfig())
		err = influxdb.Connect()
		if err != nil {
			log.Fatalf("Failed to open influxdb connection. %v", err)
			os.Exit(1)
		}
		defer func() {
			err := influxdb.Close()
			if err != nil {
				log.Errorf("Failed to close influxdb connection. %v", err)
			}
		}()
		sink = influxdb
	}

	// Initialize processing pipeline
	computed := pipeline.NewComputedHandler(store)
	var computedAttributes []pipeline.ComputedAttribute
	for _, entry := range cfg.GetPipelineConfig().Computed {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			log.Warnf("Ignoring malformed computed attribute entry %q", entry)
			continue
		}
		computedAttributes = append(computedAttributes, pipeline.ComputedAttribute{
			Attribute:  strings.TrimSpace(parts[0]),
			Expression: strings.TrimSpace(parts[1]),
		})
	}
	if len(computedAttributes) > 0 {
		if err := computed.SetAttributes(ctx, computedAttributes); err != nil {
			log.Errorf("Rejected computed attribute expressions. %v", err)
		}
	}
	processing := pipeline.NewPipeline(ctx,
		pipeline.NewTimeHandler(cfg.GetPipelineConfig()),
		pipeline.NewOutdatedHandler(store),
		pipeline.NewDistanceHandler(store, cfg.GetSessionConfig()),
		pipeline.NewFilterHandler(cfg.GetPipelineConfig(), store, metrics),
		pipeline.NewGeofenceHandler(store),
		computed,
		pipeline.NewPersistHandler(store, metrics),
		pipeline.NewPostProcessHandler(store, registry, registry),
		pipeline.NewForwardHandler(ctx, cfg.GetForwardConfig(), sink, metrics),
	)

	// Initialize reordering buffer in front of the pipeline
	buffer := buffering.NewBuffer(ctx, cfg.GetBufferingConfig(), processing.Submit)
	defer buffer.Flush(ctx)

	// Initialize GTR-9 server
	server := gtr9.NewServer(ctx, &wg, cfg.GetGtr9Config(), registry, metrics,
		func(ctx context.Context, conn gtr9.ClientConn, device *model.Device, positions []*model.Position) {
			for _, position := range positions {
				buffer.Accept(ctx, position)
			}
		})
	defer func() {
		err := server.Stop()
		if err != nil {
			log.Errorf("Failed to stop GTR-9 server. %v", err)
		}
	}()
	err = server.Start()
	if err != nil {
		log.Fatalf("Failed to start GTR-9 server. %v", err)
		os.Exit(1)
	}

	// Initialize UDS command bridge
	bridge := uds.NewBridge(ctx, &wg, cfg.GetUdsServerConfig(), commands)
	defer func() {
		err := bridge.Stop()
		if err != nil {
			log.Errorf("Failed to stop UDS command bridge. %v", err)
		}
	}()
	registry.SetSessionCreatedHook(func(ctx context.Context, deviceId int64) {
		commands.FlushQueuedCommands(ctx, deviceId)
		bridge.EnsureSocket(ctx, deviceId)
	})

	<-ctxSignals.Done()
	log.Infof("Exiting")
	wg.Wait()
}

package config

import (
	"context"
	"github.com/sirupsen/logrus"
)

type Config struct {
	log             *logrus.Logger
	gtr9Config      *Gtr9Config
	sessionConfig   *SessionConfig
	bufferingConfig *BufferingConfig
	pipelineConfig  *PipelineConfig
	forwardConfig   *ForwardConfig
	storageConfig   *StorageConfig
	metricsConfig   *MetricsConfig
	websocketConfig *WebsocketConfig
	udsServerConfig *UdsServerConfig
}

func NewConfig(log *logrus.Logger, gtr9Config *Gtr9Config, sessionConfig *SessionConfig,
	bufferingConfig *BufferingConfig, pipelineConfig *PipelineConfig, forwardConfig *ForwardConfig,
	storageConfig *StorageConfig, metricsConfig *MetricsConfig, websocketConfig *WebsocketConfig,
	udsServerConfig *UdsServerConfig) *Config {
	return &Config{
		log:             log,
		gtr9Config:      gtr9Config,
		sessionConfig:   sessionConfig,
		bufferingConfig: bufferingConfig,
		pipelineConfig:  pipelineConfig,
		forwardConfig:   forwardConfig,
		storageConfig:   storageConfig,
		metricsConfig:   metricsConfig,
		websocketConfig: websocketConfig,
		udsServerConfig: udsServerConfig,
	}
}

func (c *Config) GetGtr9Config() *Gtr9Config {
	return c.gtr9Config
}

func (c *Config) GetSessionConfig() *SessionConfig {
	return c.sessionConfig
}

func (c *Config) GetBufferingConfig() *BufferingConfig {
	return c.bufferingConfig
}

func (c *Config) GetPipelineConfig() *PipelineConfig {
	return c.pipelineConfig
}

func (c *Config) GetForwardConfig() *ForwardConfig {
	return c.forwardConfig
}

func (c *Config) GetStorageConfig() *StorageConfig {
	return c.storageConfig
}

func (c *Config) GetMetricsConfig() *MetricsConfig {
	return c.metricsConfig
}

func (c *Config) GetWebsocketConfig() *WebsocketConfig {
	return c.websocketConfig
}

func (c *Config) GetUdsServerConfig() *UdsServerConfig {
	return c.udsServerConfig
}

func (c *Config) GetLogger() *logrus.Logger {
	return c.log
}

func GetLogger(ctx context.Context) *logrus.Logger {
	config, ok := ctx.Value(ContextConfigKey).(*Config)
	if !ok || config == nil {
		return NewLogger()
	}
	return config.GetLogger()
}

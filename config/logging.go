package config

import (
	"github.com/sirupsen/logrus"
	"os"
)

func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})
	log.SetReportCaller(false)
	log.SetLevel(logrus.InfoLevel)
	// Output to stdout instead of the default stderr
	log.SetOutput(os.Stdout)

	return log
}

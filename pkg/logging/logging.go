package logging

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

/*
Setup configures the process-wide logger from viper config. The level and
format keys live under "logging" in config.yml; both are optional.
*/
func Setup() {
	v := viper.GetViper()

	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.Kitchen)

	switch v.GetString("logging.level") {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if v.GetString("logging.format") == "json" {
		log.SetFormatter(log.JSONFormatter)
	}

	log.SetOutput(os.Stderr)
}

/*
File Name:  Config.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package transfer

import (
	_ "embed" // Required for embedding the default config file
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the core configuration. The daemon's command-line flags may
// override individual fields after loading.
type Config struct {
	LogFile  string `yaml:"LogFile"`  // Log file. Empty for stderr only.
	LogLevel string `yaml:"LogLevel"` // Log level: trace, debug, info, warn, error

	Listen    string `yaml:"Listen"`    // IP:Port to accept peer connections on
	ListenRPC string `yaml:"ListenRPC"` // IP:Port of the local JSON control plane

	DataDirectory string `yaml:"DataDirectory"` // Directory for node metadata and registered shares

	SweepInterval int `yaml:"SweepInterval"` // Catalog sweep interval in seconds
	SweepLifetime int `yaml:"SweepLifetime"` // Default lifetime of shares in seconds
}

//go:embed "Config Default.yaml"
var defaultConfig []byte

// LoadConfig reads the YAML configuration file. A missing or empty file loads
// the embedded default. If an error is returned, the application shall exit
// with the returned status.
func LoadConfig(filename string, config *Config) (status int, err error) {
	var configData []byte

	// check if the file is non existent or empty
	stats, err := os.Stat(filename)
	if err != nil && os.IsNotExist(err) || err == nil && stats.Size() == 0 {
		configData = defaultConfig
	} else if err != nil {
		return ExitErrorConfigAccess, err
	} else if configData, err = os.ReadFile(filename); err != nil {
		return ExitErrorConfigRead, err
	}

	if err = yaml.Unmarshal(configData, config); err != nil {
		return ExitErrorConfigParse, err
	}

	return ExitSuccess, nil
}

// initLog sets the log level and redirects subsequent log messages into the
// log file specified in the configuration, if any.
func (backend *Backend) initLog() (err error) {
	level, err := log.ParseLevel(backend.Config.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if backend.Config.LogFile != "" {
		logFile, err := os.OpenFile(backend.Config.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		// remains open until the program closes
		log.SetOutput(logFile)
	}

	log.Infof("---- simple-transfer %s ----", Version)

	return nil
}

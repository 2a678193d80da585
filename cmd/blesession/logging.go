package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/config"
)

// cliLogLevels are the values accepted by --log-level.
var cliLogLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// configureLogger builds the command logger on stderr.
// Precedence: --log-level, then the level of an explicit --config file, then silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	level := logrus.PanicLevel

	flagLevel, _ := cmd.Flags().GetString("log-level")
	configPath, _ := cmd.Flags().GetString("config")
	if flagLevel != "" {
		lvl, ok := cliLogLevels[flagLevel]
		if !ok {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", flagLevel)
		}
		level = lvl
	} else if configPath != "" {
		lvl, err := cfg.Level()
		if err != nil {
			return nil, err
		}
		level = lvl
	}

	logger := cfg.NewLogger()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Kitware/nrtk-explorer-sub000/internal/config"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, exists, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if !exists && c.configPath() != "" {
			logger.Warn("Main", "Config file %s not found, using defaults", c.configPath())
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

// initLogger installs the global logger on out. The level flag overrides
// the configured one.
func (c *commandContext) initLogger(cfg *config.Config, out io.Writer) error {
	levelName := cfg.Logging.Level
	if c.logLevelFlag != nil && *c.logLevelFlag != "" {
		levelName = *c.logLevelFlag
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return err
	}
	color, err := logger.ParseColorMode(cfg.Logging.Color)
	if err != nil {
		return fmt.Errorf("logging.color: %w", err)
	}
	logger.Init(level, out, color)
	return nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevelFlag string
	ctx := &commandContext{configFlag: &configFlag, logLevelFlag: &logLevelFlag}

	rootCmd := &cobra.Command{
		Use:           "explorer",
		Short:         "Explore object-detection datasets under image perturbations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.initLogger(cfg, cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error, silent)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newTransformsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

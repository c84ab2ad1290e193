package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/bootstrap"
	"github.com/WizardTales/MicroWizard/config"
	"github.com/WizardTales/MicroWizard/logging"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node",
		Long: `Runs a node with the given configuration. Without --config the search
paths are scanned for microwizard.yaml, config.yaml or their json forms.
MICROWIZARD_* environment variables override file values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			cfg, err := loader.Load(configFile)
			if err != nil {
				return err
			}

			logger, level, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if configFile != "" && watch {
				watcher, err := config.NewWatcher(configFile, loader, logger)
				if err != nil {
					return err
				}
				logging.Watch(watcher, level, logger)
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()
			}

			app, err := bootstrap.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build node: %w", err)
			}

			logger.Info("starting node",
				zap.String("name", cfg.App.Name),
				zap.Stringer("environment", cfg.App.Environment))
			return app.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the log level when the configuration file changes")
	return cmd
}

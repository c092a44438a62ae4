package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/registry"
)

// NewCheck validates the configuration and the registry wiring without
// touching the database or starting anything.
func NewCheck(setup ...SetupFunc) *cobra.Command {
	var cfg config.Config
	loader := config.NewLoader()

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and source registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loader.Initialize(cmd); err != nil {
				return err
			}
			if err := loader.Load(&cfg); err != nil {
				return err
			}
			if err := loader.Validate(&cfg); err != nil {
				return err
			}

			lvl, err := zapcore.ParseLevel(cfg.Log.Level)
			if err != nil {
				lvl = zapcore.InfoLevel
			}
			logging.SetConfig(&logging.Config{Level: lvl, Development: cfg.Log.Development})
			ctx := logging.WithLogger(cmd.Context(), logging.DefaultLogger())

			reg := registry.New()
			for _, fn := range setup {
				fn(reg)
			}
			reg.ValidateConfig(ctx)

			cmd.Printf("config ok\n")
			cmd.Printf("source types: %v\n", reg.ParserSourceTypes())
			cmd.Printf("real-time source types: %v\n", reg.RealTimeSourceTypes())
			return nil
		},
	}
	config.AddCommonFlags(cmd.Flags(), &cfg)
	return cmd
}

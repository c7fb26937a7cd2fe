// Command subnetgrid manages the address space of /24 subnets through a
// network-management backend: it scans, reserves, runs throughput tests
// and serves a local console API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/config"
	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if c, err := root.ExecuteContextC(ctx); err != nil {
		c.PrintErrln("Error:", err)
		var vErr *backend.ValidationError
		if errors.As(err, &vErr) {
			c.PrintErrln(c.UsageString())
		}
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	yes        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "subnetgrid",
		Short:         "Manage /24 subnet address space through a network-management backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.yes, "yes", "y", false, "do not prompt before destructive actions")

	cmd.AddCommand(
		newServeCmd(opts),
		newScanCmd(opts),
		newReserveCmd(opts),
		newReleaseCmd(opts),
		newClearCmd(opts),
		newDiscoverCmd(opts),
		newTrafficCmd(opts),
		newHistoryCmd(opts),
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// env is what every command needs after flags are parsed.
type env struct {
	v      *viper.Viper
	cfg    *config.ViperConfig
	logger *zap.Logger
}

func (o *rootOptions) load() (*env, error) {
	v, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(v.GetBool("log.development"))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return &env{v: v, cfg: config.New(v), logger: logger}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// client builds the backend client. m may be nil.
func (e *env) client(m *metrics.Metrics) (*backend.Client, error) {
	opts := []backend.Option{
		backend.WithLogger(e.logger.Named("backend")),
		backend.WithUserAgent(version.UserAgent()),
	}
	if m != nil {
		opts = append(opts, backend.WithObserver(m.ObserveBackend))
	}
	return backend.New(e.v.GetString("backend.url"), opts...)
}

// pangraft: onboards a batch of branch sites as SASE remote networks.
//
// Flow (onboard):
//   1. Load the site list, resolve every site to its nearest edge location
//   2. Grow the region's bandwidth allocation and create the site's tunnels
//   3. Create the remote network (with BGP peering when requested)
//   4. Push the configuration once and poll the job
//   5. Look up service addresses and print one record per site
//
// Nothing created on the tenant is rolled back. Use "plan" first.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/config"
	"github.com/glennswest/pangraft/pkg/observability"
)

var version = "dev"

// app carries what every subcommand shares once the root pre-run is done.
type app struct {
	cfg        config.Config
	configPath string
	envFile    string
	debug      bool

	log     *zap.SugaredLogger
	metrics *observability.Metrics
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{cfg: config.Default()}
	err := newRootCommand(a).ExecuteContext(ctx)
	if a.log != nil {
		if err != nil {
			a.log.Errorw("pangraft failed", "error", err)
		}
		_ = a.log.Sync()
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "pangraft:", err)
	}
	if err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pangraft",
		Short:         "Onboard branch sites as SASE remote networks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("PANGRAFT_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file with tenant credentials")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "development logging")

	root.AddCommand(
		newOnboardCommand(a),
		newPlanCommand(a),
		newPushCommand(a),
		newServiceIPsCommand(a),
	)
	return root
}

// setup builds the logger and the effective config: defaults, then the
// config file, then .env and PANGRAFT_* variables, then explicit flags.
func (a *app) setup(cmd *cobra.Command) error {
	if a.log == nil {
		var logger *zap.Logger
		var err error
		if a.debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		a.log = logger.Sugar()
	}

	// Flags are bound into a.cfg, so loading the file overwrites them.
	// Remember what was set explicitly and replay it afterwards.
	changed := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := config.LoadDotEnv(a.envFile); err != nil {
		return fmt.Errorf("loading %s: %w", a.envFile, err)
	}
	a.cfg.ApplyEnv()

	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.metrics = observability.NewMetrics()
	a.log.Debugw("configuration loaded", "config", a.configPath, "apiURL", a.cfg.Tenant.APIURL, "version", version)
	return nil
}

// Package cmd assembles the chrysalis CLI.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdchain "github.com/projecteru2/chrysalis/cmd/chain"
	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	cmdothers "github.com/projecteru2/chrysalis/cmd/others"
	cmdvm "github.com/projecteru2/chrysalis/cmd/vm"
	"github.com/projecteru2/chrysalis/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chrysalis",
		Short: "Chrysalis - VM disk snapshot chain manager",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("log-dir", "", "log directory")
	cmd.PersistentFlags().String("ledger-backend", "", "chain ledger backend (json or bolt)")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("ledger_backend", cmd.PersistentFlags().Lookup("ledger-backend"))

	viper.SetEnvPrefix("CHRYSALIS")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }

	cmd.AddCommand(cmdchain.Command(cmdchain.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))
	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

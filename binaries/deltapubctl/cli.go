package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deltapub/deltapub/config"
	"github.com/deltapub/deltapub/store"
)

type cli struct {
	rootCmd *cobra.Command

	configFlag string
	logLevel   string
	cfg        *config.ServiceConfig
	store      store.Store
}

func newCLI() *cli {
	c := &cli{}
	c.rootCmd = &cobra.Command{
		Use:                "deltapubctl",
		Short:              "deltapubctl submits and inspects deltapub jobs",
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.Close,
	}
	c.rootCmd.PersistentFlags().StringVar(&c.configFlag, "config", "local.sqlite", "config preset, JSON or file")
	c.rootCmd.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	c.addCmd(&submitCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&migrateCmd{})
	return c
}

func (c *cli) Exec() error {
	return c.rootCmd.Execute()
}

func (c *cli) setup(*cobra.Command, []string) error {
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	cfg, err := config.GetConfig(c.configFlag)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// openStore connects to the configured store once per invocation.
func (c *cli) openStore(ctx context.Context) (store.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	if c.cfg.Store.Type == "memory" {
		return nil, errors.New("the memory store lives inside deltapubd, configure sqlite or postgres")
	}
	st, err := c.cfg.Store.Open(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening job store")
	}
	c.store = st
	return st, nil
}

// Needs cobra parameters for use from rootCmd
func (c *cli) Close(*cobra.Command, []string) error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func (c *cli) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *cli, cmd *cobra.Command, args []string) error
}

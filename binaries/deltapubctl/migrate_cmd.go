package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type migrateCmd struct{}

func (c *migrateCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the job store schema",
		Args:  cobra.NoArgs,
	}
}

func (c *migrateCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	cl.cfg.Store.AutoMigrate = true
	if _, err := cl.openStore(context.Background()); err != nil {
		return err
	}
	log.Infof("migrated %s store", cl.cfg.Store.Type)
	return nil
}

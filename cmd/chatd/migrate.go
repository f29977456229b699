package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-relay/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the chat tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.DBDSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			log.Printf("[migrate] done")
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pagecluster/internal/config"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d targets, concurrency=%s)\n", cfgPath, len(cfg.Targets), cfg.Cluster.Concurrency)
			return nil
		},
	}
}

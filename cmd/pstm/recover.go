package main

import (
	"fmt"

	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/spf13/cobra"
)

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay committed log fragments and truncate every log",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			conf := loadConfig()
			e, store := openEngine(conf)
			defer closeEngine(e, store)

			stats, err := e.Recover()
			if err != nil {
				log.Fatalf("recover: %v", err)
			}
			fmt.Printf("replayed %d fragments, discarded %d, clock %d\n",
				stats.Replayed, stats.Discarded, stats.MaxSqn)
		},
	}
}

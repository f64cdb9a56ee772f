package main

import (
	"fmt"

	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/tmlog"
	"github.com/spf13/cobra"
)

var (
	inspectLog     int
	inspectEntries bool
)

// runInspect prints the logs as they are on the device, without recovering.
func runInspect(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	e, store := openEngine(conf)
	defer store.Close()

	m := e.Logs()
	for id := 0; id < m.NumLogs(); id++ {
		if inspectLog >= 0 && id != inspectLog {
			continue
		}
		info, err := m.Info(id)
		if err != nil {
			log.Fatalf("log %d: %v", id, err)
		}
		if info.Head == info.Tail && inspectLog < 0 {
			continue
		}
		fmt.Printf("log %d: head %d tail %d capacity %d words\n", info.ID, info.Head, info.Tail, info.Capacity)
		err = m.Scan(id, func(f *tmlog.Fragment) bool {
			kind := "abort"
			if f.Commit {
				kind = "commit"
			}
			fmt.Printf("  [%d, %d) %s sqn %d, %d entries\n", f.Start, f.End, kind, f.Sqn, len(f.Entries))
			if inspectEntries {
				for _, en := range f.Entries {
					fmt.Printf("    %#x = %#x mask %#x\n", en.Addr, en.Value, en.Mask)
				}
			}
			return true
		})
		if err != nil {
			fmt.Printf("  scan stopped: %v\n", err)
		}
	}
}

func newInspectCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "inspect",
		Short: "Print the content of the persistent logs",
		Args:  cobra.NoArgs,
		Run:   runInspect,
	}
	m.Flags().IntVar(&inspectLog, "log", -1, "only print this log slot")
	m.Flags().BoolVar(&inspectEntries, "entries", false, "print every logged write")
	return m
}

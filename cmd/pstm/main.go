package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/stm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const logFileMaxSizeMB = 300

var (
	configPath string
	logLevel   string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

// loadConfig reads the configuration and sets up logging and the status server.
func loadConfig() *config.Config {
	conf, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if conf.LogFile != "" {
		log.InitFile(conf.LogFile, logFileMaxSizeMB)
	}
	log.SetLevelByString(conf.LogLevel)
	log.Infof("conf %+v", conf)

	if conf.StatusAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(conf.StatusAddr, nil); err != nil {
				log.Errorf("status server on %s stopped: %v", conf.StatusAddr, err)
			}
		}()
	}
	return conf
}

// openEngine opens the device and an engine over it. The engine is not recovered.
func openEngine(conf *config.Config) (*stm.Engine, pmem.Store) {
	store, err := pmem.Open(&conf.Device)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	e, err := stm.Open(conf, store)
	if err != nil {
		store.Close()
		log.Fatalf("open engine: %v", err)
	}
	return e, store
}

func closeEngine(e *stm.Engine, store pmem.Store) {
	if err := e.Close(); err != nil {
		log.Errorf("close engine: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Errorf("close device: %v", err)
	}
	log.Sync()
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()
		select {
		case <-sc:
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "pstm",
		Short: "Persistent software transactional memory tools",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")

	rootCmd.AddCommand(
		newRecoverCommand(),
		newInspectCommand(),
		newBenchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	globalCancel()
}

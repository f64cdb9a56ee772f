package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/stm"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
)

var (
	benchThreads  int
	benchOps      int
	benchCounters int
	benchWrites   int
	benchRate     float64
)

// transfer moves one unit between random counters, so the sum never changes.
func transfer(tx *stm.Tx, rnd *rand.Rand, counters, writes int) error {
	for i := 0; i < writes; i++ {
		from := uint64(rnd.Intn(counters)) * pmem.CacheLineSize
		to := uint64(rnd.Intn(counters)) * pmem.CacheLineSize
		a, err := tx.LoadWord(from)
		if err != nil {
			return err
		}
		if err = tx.StoreWord(from, a-1, ^uint64(0)); err != nil {
			return err
		}
		b, err := tx.LoadWord(to)
		if err != nil {
			return err
		}
		if err = tx.StoreWord(to, b+1, ^uint64(0)); err != nil {
			return err
		}
	}
	return nil
}

func runBench(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	e, store := openEngine(conf)
	defer closeEngine(e, store)
	if _, err := e.Recover(); err != nil {
		log.Fatalf("recover: %v", err)
	}
	if uint64(benchCounters)*pmem.CacheLineSize > e.DataSize() {
		log.Fatalf("%d counters do not fit in %d bytes", benchCounters, e.DataSize())
	}

	sum := func() uint64 {
		var total uint64
		err := e.Atomically(func(tx *stm.Tx) error {
			total = 0
			for i := 0; i < benchCounters; i++ {
				v, err := tx.LoadWord(uint64(i) * pmem.CacheLineSize)
				if err != nil {
					return err
				}
				total += v
			}
			return nil
		})
		if err != nil {
			log.Fatalf("sum counters: %v", err)
		}
		return total
	}
	before := sum()

	var (
		wg        sync.WaitGroup
		done      atomic.Int64
		limit     *ratelimit.Bucket
		latencyMu sync.Mutex
		latencies []float64
	)
	if benchRate > 0 {
		limit = ratelimit.NewBucketWithRate(benchRate, int64(benchThreads))
	}
	start := time.Now()
	for i := 0; i < benchThreads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			tx, err := e.NewTx()
			if err != nil {
				log.Errorf("new transaction: %v", err)
				return
			}
			defer tx.Close()
			rnd := rand.New(rand.NewSource(seed))
			local := make([]float64, 0, benchOps)
			defer func() {
				latencyMu.Lock()
				latencies = append(latencies, local...)
				latencyMu.Unlock()
			}()
			for j := 0; j < benchOps; j++ {
				select {
				case <-globalContext.Done():
					return
				default:
				}
				if limit != nil {
					limit.Wait(1)
				}
				begin := time.Now()
				err := tx.Run(stm.ModeReadWrite, func(tx *stm.Tx) error {
					return transfer(tx, rnd, benchCounters, benchWrites)
				})
				if err != nil {
					log.Errorf("transaction failed: %v", err)
					return
				}
				local = append(local, float64(time.Since(begin).Microseconds()))
				done.Inc()
			}
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	elapsed := time.Since(start)

	st := e.Stats()
	fmt.Printf("%d transactions in %s, %.0f tx/s\n", done.Load(), elapsed, float64(done.Load())/elapsed.Seconds())
	fmt.Printf("commits %d, aborts %d, max retries %d, extensions %d\n",
		st.Commits, st.TotalAborts(), st.MaxRetries, st.Extensions)
	for r, n := range st.Aborts {
		fmt.Printf("  %-16s %d\n", r, n)
	}
	if len(latencies) > 0 {
		mean, _ := stats.Mean(latencies)
		p50, _ := stats.Percentile(latencies, 50)
		p99, _ := stats.Percentile(latencies, 99)
		slowest, _ := stats.Max(latencies)
		fmt.Printf("latency us: mean %.1f, p50 %.0f, p99 %.0f, max %.0f\n", mean, p50, p99, slowest)
	}
	if after := sum(); after != before {
		log.Fatalf("counter sum changed from %d to %d", before, after)
	}
}

func newBenchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent transfers between counters and check their sum",
		Args:  cobra.NoArgs,
		Run:   runBench,
	}
	m.Flags().IntVar(&benchThreads, "threads", 4, "number of concurrent transactions")
	m.Flags().IntVar(&benchOps, "ops", 10000, "transactions per thread")
	m.Flags().IntVar(&benchCounters, "counters", 1024, "number of counters, one per cache line")
	m.Flags().IntVar(&benchWrites, "transfers", 2, "transfers per transaction")
	m.Flags().Float64Var(&benchRate, "rate", 0, "transactions per second over all threads, 0 for no limit")
	return m
}

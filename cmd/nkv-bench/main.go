// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nkv-bench é o client de benchmark do N-KV: um pool de workers dispara
// puts e gets pelo protocolo binário contra um nkv-server, com rate
// limiting opcional, e reporta throughput e latências.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-kv/internal/protocol"
)

// maxBurstSize é o burst máximo do rate limiter (256KB), alinhado ao
// buffer de escrita por conexão do server.
const maxBurstSize = 256 * 1024

type benchConfig struct {
	addr      string
	workers   int
	ops       int
	valueSize int
	keySpace  int
	readRatio float64
	rateMBps  float64
}

type workerResult struct {
	latencies []time.Duration
	bytes     int64
	errors    int64
	notFound  int64
}

func main() {
	cfg := benchConfig{}
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:9848", "server address")
	flag.IntVar(&cfg.workers, "workers", 8, "concurrent workers")
	flag.IntVar(&cfg.ops, "ops", 100000, "total operations")
	flag.IntVar(&cfg.valueSize, "value-size", 1024, "value size in bytes")
	flag.IntVar(&cfg.keySpace, "key-space", 10000, "number of distinct keys")
	flag.Float64Var(&cfg.readRatio, "read-ratio", 0.5, "fraction of reads (0.0 to 1.0)")
	flag.Float64Var(&cfg.rateMBps, "rate-mbps", 0, "write rate limit in MB/s (0 = unlimited)")
	flag.Parse()

	if cfg.workers < 1 || cfg.ops < 1 || cfg.keySpace < 1 {
		fmt.Fprintln(os.Stderr, "workers, ops and key-space must be >= 1")
		os.Exit(1)
	}

	var limiter *rate.Limiter
	if cfg.rateMBps > 0 {
		bytesPerSec := cfg.rateMBps * 1024 * 1024
		burst := int(bytesPerSec)
		if burst > maxBurstSize {
			burst = maxBurstSize
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	ctx := context.Background()
	results := make([]workerResult, cfg.workers)
	opsPerWorker := cfg.ops / cfg.workers

	fmt.Printf("nkv-bench: %d workers, %d ops, %dB values, %.0f%% reads, target %s\n",
		cfg.workers, cfg.workers*opsPerWorker, cfg.valueSize, cfg.readRatio*100, cfg.addr)

	var wg sync.WaitGroup
	var failedWorkers atomic.Int64
	start := time.Now()
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runWorker(ctx, cfg, int64(id), opsPerWorker, limiter, &results[id]); err != nil {
				fmt.Fprintf(os.Stderr, "worker %d: %v\n", id, err)
				failedWorkers.Add(1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(results, elapsed)
	if failedWorkers.Load() > 0 {
		os.Exit(1)
	}
}

// runWorker executa opsPerWorker operações numa conexão dedicada.
func runWorker(ctx context.Context, cfg benchConfig, seed int64, ops int, limiter *rate.Limiter, res *workerResult) error {
	conn, err := net.Dial("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.addr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriterSize(conn, 64*1024)
	rng := rand.New(rand.NewSource(seed))

	value := make([]byte, cfg.valueSize)
	res.latencies = make([]time.Duration, 0, ops)

	for i := 0; i < ops; i++ {
		key := fmt.Sprintf("bench-%08d", rng.Intn(cfg.keySpace))
		isRead := rng.Float64() < cfg.readRatio

		op := protocol.OpPut
		payload := value
		if isRead {
			op = protocol.OpGet
			payload = nil
		} else {
			rng.Read(value)
			if limiter != nil {
				if err := limiter.WaitN(ctx, len(value)); err != nil {
					return err
				}
			}
		}

		opStart := time.Now()
		if err := protocol.WriteRequest(w, op, []byte(key), payload); err != nil {
			return fmt.Errorf("writing request: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flushing request: %w", err)
		}
		reply, err := protocol.ReadReply(r)
		if err != nil {
			return fmt.Errorf("reading reply: %w", err)
		}
		res.latencies = append(res.latencies, time.Since(opStart))

		switch reply.Status {
		case protocol.StatusOK:
			if isRead {
				res.bytes += int64(len(reply.Value))
			} else {
				res.bytes += int64(len(payload))
			}
		case protocol.StatusNotFound:
			// Leitura de chave ainda não escrita: esperado no warmup.
			res.notFound++
		default:
			res.errors++
		}
	}
	return nil
}

// report agrega os resultados dos workers e imprime o relatório final.
func report(results []workerResult, elapsed time.Duration) {
	var all []time.Duration
	var totalBytes, totalErrors, totalNotFound int64
	for _, res := range results {
		all = append(all, res.latencies...)
		totalBytes += res.bytes
		totalErrors += res.errors
		totalNotFound += res.notFound
	}
	if len(all) == 0 {
		fmt.Println("no operations completed")
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	percentile := func(p float64) time.Duration {
		idx := int(float64(len(all)-1) * p)
		return all[idx]
	}

	opsPerSec := float64(len(all)) / elapsed.Seconds()
	mbPerSec := float64(totalBytes) / (1024 * 1024) / elapsed.Seconds()

	fmt.Printf("\ncompleted %d ops in %s\n", len(all), elapsed.Round(time.Millisecond))
	fmt.Printf("  throughput: %.0f ops/s, %.2f MB/s\n", opsPerSec, mbPerSec)
	fmt.Printf("  latency:    p50 %s, p99 %s, max %s\n",
		percentile(0.50), percentile(0.99), all[len(all)-1])
	fmt.Printf("  not found:  %d\n", totalNotFound)
	fmt.Printf("  errors:     %d\n", totalErrors)
}

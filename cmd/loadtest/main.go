// Command loadtest drives a running key broker with concurrent issuers and
// fetchers, checks that every issued page decrypts, and reports latencies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		brokerURL   = flag.String("broker-url", "http://localhost:5000", "Key broker base URL")
		duration    = flag.Duration("duration", 30*time.Second, "Test duration")
		issuers     = flag.Int("issuers", 4, "Number of issuing workers")
		fetchers    = flag.Int("fetchers", 8, "Number of fetching workers")
		qps         = flag.Int("qps", 50, "Requests per second per worker (0 = unthrottled)")
		payloadSize = flag.Int("payload-size", 4096, "Plaintext bytes per issue request")
		checkExpiry = flag.Bool("check-expiry", false, "After the run, wait one TTL and verify a sampled id reports expired")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := Config{
		BrokerURL:   *brokerURL,
		Duration:    *duration,
		Issuers:     *issuers,
		Fetchers:    *fetchers,
		QPS:         *qps,
		PayloadSize: *payloadSize,
		CheckExpiry: *checkExpiry,
	}

	fmt.Println("=== Key Broker Load Test ===")
	fmt.Printf("Broker URL: %s\n", cfg.BrokerURL)
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Printf("Issuers: %d, Fetchers: %d\n", cfg.Issuers, cfg.Fetchers)
	fmt.Printf("QPS per Worker: %d\n", cfg.QPS)
	fmt.Println()

	report, err := Run(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Load test failed")
		os.Exit(1)
	}
	report.Print(os.Stdout)

	if report.Failed() {
		fmt.Println("❌ Load test found errors")
		os.Exit(1)
	}
	fmt.Println("✅ Load test passed")
}

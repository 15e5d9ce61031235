// Measures Postgres LISTEN/NOTIFY wake-up latency against interval
// polling, to decide whether brokers and workers need a push channel
// or a poll loop is enough.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

func main() {
	var (
		dsn      = flag.String("dsn", os.Getenv("NOETL_DSN"), "Postgres DSN")
		rounds   = flag.Int("rounds", 100, "notify round-trips to measure")
		interval = flag.Duration("poll", 250*time.Millisecond, "poll interval to compare against")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("No DSN: pass -dsn or set NOETL_DSN")
	}

	ctx := context.Background()

	listener, err := pgx.Connect(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect listener: %v", err)
	}
	defer listener.Close(ctx)

	notifier, err := pgx.Connect(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect notifier: %v", err)
	}
	defer notifier.Close(ctx)

	if _, err := listener.Exec(ctx, "LISTEN poc_queue"); err != nil {
		log.Fatalf("LISTEN failed: %v", err)
	}

	var total, worst time.Duration
	for i := 0; i < *rounds; i++ {
		start := time.Now()
		if _, err := notifier.Exec(ctx, "NOTIFY poc_queue"); err != nil {
			log.Fatalf("NOTIFY failed: %v", err)
		}
		if _, err := listener.WaitForNotification(ctx); err != nil {
			log.Fatalf("Wait failed: %v", err)
		}
		rtt := time.Since(start)
		total += rtt
		if rtt > worst {
			worst = rtt
		}
	}

	mean := total / time.Duration(*rounds)
	log.Printf("NOTIFY wake-up: mean %s, worst %s over %d rounds", mean, worst, *rounds)
	log.Printf("Polling at %s waits %s on average, %s worst case", *interval, *interval/2, *interval)
	log.Printf("Push saves ~%s per hop; weigh against held connections per daemon", *interval/2-mean)
}

// Command loadtest drives a messenger server with simulated users.
//
//   - saturate: open N idle connections and hold them
//   - chat:     N members of one chat exchange messages and measure latency
//
// Users must already be members of the target chat for the chat scenario
// (see `migrate add-member`).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/windi/messenger/internal/loadtest"
	"github.com/windi/messenger/internal/protocol"
)

type options struct {
	url         string
	secret      string
	firstUser   int64
	users       int
	ramp        time.Duration
	concurrency int
	metricsURL  string
}

func main() {
	opts := &options{}

	app := &cli.Command{
		Name:  "loadtest",
		Usage: "Load test a messenger server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "WebSocket endpoint", Destination: &opts.url},
			&cli.StringFlag{Name: "secret", Usage: "JWT secret shared with the server", Sources: cli.EnvVars("JWT_SECRET"), Required: true, Destination: &opts.secret},
			&cli.Int64Flag{Name: "first-user", Value: 1, Usage: "first simulated user id", Destination: &opts.firstUser},
			&cli.IntFlag{Name: "users", Value: 100, Usage: "number of simulated users", Destination: &opts.users},
			&cli.DurationFlag{Name: "ramp", Value: 10 * time.Second, Usage: "ramp-up duration", Destination: &opts.ramp},
			&cli.IntFlag{Name: "concurrency", Value: 50, Usage: "maximum simultaneous connection attempts", Destination: &opts.concurrency},
			&cli.StringFlag{Name: "metrics-url", Value: "http://localhost:8080/metrics", Usage: "Prometheus endpoint to scrape", Destination: &opts.metricsURL},
		},
		Commands: []*cli.Command{
			saturateCmd(opts),
			chatCmd(opts),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func saturateCmd(opts *options) *cli.Command {
	var hold time.Duration
	return &cli.Command{
		Name:  "saturate",
		Usage: "Open idle connections and hold them",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "hold", Value: 30 * time.Second, Usage: "hold duration after ramp-up", Destination: &hold},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			fmt.Printf("Saturate test: %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
				opts.users, opts.url, opts.ramp, hold, opts.concurrency)

			collector := loadtest.NewCollector()
			scraper := loadtest.NewScraper(opts.metricsURL, 2*time.Second)
			collector.SetScraper(scraper)
			scraper.Start(ctx)

			clients := connectAll(ctx, opts, collector, func(int64) map[string]func(json.RawMessage) { return nil })
			defer closeAll(clients)

			fmt.Println("\n--- Hold phase ---")
			var dropped atomic.Int64
			for _, c := range clients {
				go func() {
					<-c.Done()
					dropped.Add(1)
				}()
			}
			select {
			case <-ctx.Done():
			case <-time.After(hold):
			}
			fmt.Printf("  dropped during hold: %d\n", dropped.Load())

			scraper.Stop()
			collector.Report(os.Stdout)
			return nil
		},
	}
}

func chatCmd(opts *options) *cli.Command {
	var (
		chatID   int64
		duration time.Duration
		interval time.Duration
		size     int
	)
	return &cli.Command{
		Name:  "chat",
		Usage: "Exchange messages in one chat and measure delivery latency",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "chat", Value: 1, Usage: "chat id all users belong to", Destination: &chatID},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "how long users chat", Destination: &duration},
			&cli.DurationFlag{Name: "msg-interval", Value: 2 * time.Second, Usage: "interval between messages per user", Destination: &interval},
			&cli.IntFlag{Name: "msg-size", Value: 128, Usage: "message size in bytes", Destination: &size},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			fmt.Printf("Chat test: %d users in chat %d (duration=%s, interval=%s, size=%d)\n",
				opts.users, chatID, duration, interval, size)

			collector := loadtest.NewCollector()
			scraper := loadtest.NewScraper(opts.metricsURL, 2*time.Second)
			collector.SetScraper(scraper)
			scraper.Start(ctx)

			var pending sync.Map // client_message_id -> send time
			handlers := func(userID int64) map[string]func(json.RawMessage) {
				return map[string]func(json.RawMessage){
					protocol.TypeMessageSent: func(data json.RawMessage) {
						var m protocol.MessageSentMsg
						if json.Unmarshal(data, &m) != nil {
							return
						}
						if sent, ok := pending.Load(m.ClientMessageID); ok {
							collector.AddAck(time.Since(sent.(time.Time)))
						}
					},
					protocol.TypeNewMessage: func(data json.RawMessage) {
						var m protocol.NewMessageMsg
						if json.Unmarshal(data, &m) != nil || m.SenderID == userID {
							return
						}
						if sent, ok := pending.Load(m.ClientMessageID); ok {
							collector.AddDelivery(time.Since(sent.(time.Time)))
						}
					},
					protocol.TypeError: func(json.RawMessage) {
						collector.AddError()
					},
				}
			}

			clients := connectAll(ctx, opts, collector, handlers)
			defer closeAll(clients)

			fmt.Println("\n--- Chat phase ---")
			runCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			text := strings.Repeat("x", max(size, 1))
			var wg sync.WaitGroup
			for _, c := range clients {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for seq := 0; ; seq++ {
						select {
						case <-runCtx.Done():
							return
						case <-c.Done():
							return
						case <-ticker.C:
						}
						id := strconv.FormatInt(c.UserID(), 10) + "-" + strconv.Itoa(seq)
						pending.Store(id, time.Now())
						if err := c.SendMessage(chatID, text, id); err != nil {
							collector.AddError()
						}
					}
				}()
			}
			wg.Wait()

			// let in-flight deliveries land
			time.Sleep(time.Second)

			scraper.Stop()
			collector.Report(os.Stdout)
			return nil
		},
	}
}

// connectAll ramps up opts.users connections, bounded by opts.concurrency.
func connectAll(ctx context.Context, opts *options, collector *loadtest.Collector, handlers func(userID int64) map[string]func(json.RawMessage)) []*loadtest.Client {
	fmt.Println("\n--- Ramp-up phase ---")

	interval := opts.ramp / time.Duration(max(opts.users, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, opts.users)
		sem     = make(chan struct{}, max(opts.concurrency, 1))
		wg      sync.WaitGroup
	)

	start := time.Now()
	for i := range opts.users {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		userID := opts.firstUser + int64(i)
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			token, err := loadtest.Token(opts.secret, userID, time.Hour)
			if err != nil {
				collector.AddError()
				return
			}
			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := loadtest.Dial(connCtx, opts.url, token, userID, handlers(userID))
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Printf("  connected %d/%d in %s (errors: %d)\n",
		collector.ConnectionCount(), opts.users, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients
}

func closeAll(clients []*loadtest.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	elasticring "go-elasticring"
	"go-elasticring/memcache"

	"github.com/eiannone/keyboard"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

var (
	endpoint          string
	discoveryInterval time.Duration
	retryDelay        time.Duration
	usePooling        bool
	maxPoolSize       int
	connectTimeout    time.Duration
	timeout           time.Duration
	useHostnames      bool
	keyPrefix         string
	verbose           bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ecring",
		Short: "Inspect and use an auto-discovered cache cluster",
		Long: `Ecring is a demonstration of the go-elasticring library.
It asks a cluster configuration endpoint for the current cache nodes,
builds the consistent hashing ring and routes commands to the owning node.`,
		SilenceUsage: true,
	}

	var flags = rootCmd.PersistentFlags()
	flags.StringVar(&endpoint, "endpoint", "127.0.0.1:11211", "Cluster configuration endpoint (host:port)")
	flags.DurationVar(&discoveryInterval, "discovery-interval", 0, "Periodic discovery interval (0 disables)")
	flags.DurationVar(&retryDelay, "discovery-retry-delay", 0, "Delay after a failed discovery")
	flags.BoolVar(&usePooling, "pooling", true, "Reuse connections to cache nodes")
	flags.IntVar(&maxPoolSize, "max-pool-size", 10, "Maximum connections per node")
	flags.DurationVar(&connectTimeout, "connect-timeout", time.Second, "Connect timeout")
	flags.DurationVar(&timeout, "timeout", time.Second, "Per command timeout")
	flags.BoolVar(&useHostnames, "hostnames", false, "Use node hostnames instead of VPC IP addresses")
	flags.StringVar(&keyPrefix, "key-prefix", "", "Prefix applied to every key")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "Print the discovered ring",
			Args:  cobra.NoArgs,
			RunE:  runNodes,
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Get a key from its node",
			Args:  cobra.ExactArgs(1),
			RunE:  runGet,
		},
		&cobra.Command{
			Use:   "set <key> <value> [ttl]",
			Short: "Set a key on its node",
			Args:  cobra.RangeArgs(2, 3),
			RunE:  runSet,
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a key from its node",
			Args:  cobra.ExactArgs(1),
			RunE:  runDelete,
		},
		&cobra.Command{
			Use:   "incr <key> <delta>",
			Short: "Increment a numeric key",
			Args:  cobra.ExactArgs(2),
			RunE:  runIncr,
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Watch the ring as the cluster changes",
			Args:  cobra.NoArgs,
			RunE:  runWatch,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newClient builds and starts a client from the command line flags.
// Logs go to stderr so they don't get cleared by status updates.
func newClient(ctx context.Context) (*elasticring.Client, error) {
	var cfg = elasticring.DefaultConfig()
	cfg.DiscoveryInterval = discoveryInterval
	cfg.DiscoveryRetryDelay = retryDelay
	cfg.UsePooling = usePooling
	cfg.MaxPoolSize = maxPoolSize
	cfg.ConnectTimeout = connectTimeout
	cfg.Timeout = timeout
	cfg.UseVPCIPAddress = !useHostnames
	cfg.KeyPrefix = keyPrefix

	var level = slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	client, err := elasticring.NewClient(endpoint, cfg,
		elasticring.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return client, nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	var ctx = cmd.Context()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if client.Ring().IsEmpty() {
		if err := client.DiscoveryStatus().LastError; err != nil {
			return err
		}
	}

	fmt.Println(client.Ring().String())
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var ctx = cmd.Context()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	item, err := client.Get(ctx, args[0])
	if errors.Is(err, memcache.ErrCacheMiss) {
		fmt.Printf("(miss)\n")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", item.Value)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	var ctx = cmd.Context()

	var ttl time.Duration
	if len(args) == 3 {
		var err error
		if ttl, err = time.ParseDuration(args[2]); err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Set(ctx, &memcache.Item{
		Key:        args[0],
		Value:      []byte(args[1]),
		Expiration: int32(ttl / time.Second),
	}); err != nil {
		return err
	}

	fmt.Printf("✓ Stored\n")
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	var ctx = cmd.Context()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.Delete(ctx, args[0])
	if errors.Is(err, memcache.ErrCacheMiss) {
		fmt.Printf("(miss)\n")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("✓ Deleted\n")
	return nil
}

func runIncr(cmd *cobra.Command, args []string) error {
	var ctx = cmd.Context()

	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delta: %w", err)
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	value, err := client.Increment(ctx, args[0], delta)
	if err != nil {
		return err
	}

	fmt.Printf("%d\n", value)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	var ctx = context.Background()

	if discoveryInterval == 0 {
		discoveryInterval = 5 * time.Second
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	printStatus(client)

	// Set up periodic status updates
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Set up signal handling for graceful shutdown
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Initialize keyboard
	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	// Keyboard input channel
	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	// Main loop
	for {
		select {
		case <-ticker.C:
			printStatus(client)
		case key := <-keyCh:
			switch key {
			case 'r', 'R':
				fmt.Fprintf(os.Stderr, "\n🔄 Refreshing topology...\n")
				if err := client.Refresh(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Refresh failed: %v\n", err)
				}
			case 'm', 'M':
				fmt.Print("\033[2J\033[H")
				metrics.WriteOnce(client.Metrics(), os.Stdout)
				time.Sleep(2 * time.Second)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down...\n")
				return nil
			}
		case sig := <-sigCh:
			fmt.Printf("\n\nReceived signal %v, shutting down...\n", sig)
			return nil
		}
	}
}

func printStatus(client *elasticring.Client) {
	var status = client.DiscoveryStatus()

	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(client.Ring().String())

	fmt.Printf("Last attempt: %s\n", formatTime(status.LastAttempt))
	fmt.Printf("Last success: %s\n", formatTime(status.LastSuccess))
	if status.LastError != nil {
		fmt.Printf("\n⚠️  DISCOVERY FAILING: %v\n", status.LastError)
	}

	fmt.Printf("\nPools:\n")
	for _, s := range client.PoolStats() {
		fmt.Printf("  %-40s  idle: %d  in use: %d\n", s.Node.Addr(), s.Idle, s.InUse)
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [r] Refresh topology now\n")
	fmt.Printf("  [m] Show metrics\n")
	fmt.Printf("  [q] Quit\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Format(time.TimeOnly), time.Since(t).Round(time.Second))
}

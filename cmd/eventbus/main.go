package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oskit/eventbus"
	"github.com/oskit/eventbus/config"
	"github.com/oskit/eventbus/contracts"
	"github.com/oskit/eventbus/health"
	"github.com/oskit/eventbus/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalOptions are the flags shared by every command
type globalOptions struct {
	url      string
	exchange string
	queue    string
	verbose  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "eventbus",
		Short: "Publish, consume and inspect events on the event bus",
		Long: `eventbus is a CLI for the durable AMQP event bus.
Settings are read from EVENTBUS_* environment variables and can be overridden with flags.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.url, "url", "u", "", "AMQP connection URL (overrides EVENTBUS_URL)")
	rootCmd.PersistentFlags().StringVarP(&opts.exchange, "exchange", "e", "", "Exchange name (overrides EVENTBUS_EXCHANGE_NAME)")
	rootCmd.PersistentFlags().StringVarP(&opts.queue, "queue", "q", "", "Queue name (overrides EVENTBUS_QUEUE_NAME)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCommand(opts),
		newConsumeCommand(opts),
		newStatusCommand(opts),
		newTopologyCommand(opts),
	)
	return rootCmd
}

func loadSettings(opts *globalOptions) (config.Settings, error) {
	settings, err := config.LoadFromEnv()
	if err != nil {
		return config.Settings{}, err
	}
	if opts.url != "" {
		settings.URL = opts.url
	}
	if opts.exchange != "" {
		settings.ExchangeName = opts.exchange
	}
	if opts.queue != "" {
		settings.QueueName = opts.queue
	}
	return settings, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newBus(opts *globalOptions, registry *messaging.Registry, tune func(*config.Settings)) (*eventbus.Bus, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	if tune != nil {
		tune(&settings)
	}
	logger := newLogger(opts.verbose)
	bus, err := eventbus.New(settings, registry,
		eventbus.WithLogger(logger),
		eventbus.WithMiddleware(messaging.LoggingMiddleware(logger), messaging.ValidationMiddleware()))
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	return bus, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newPublishCommand(opts *globalOptions) *cobra.Command {
	var (
		eventType string
		data      string
		count     int
		batch     bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events of one type",
		Long:  "Publish one or more events with a JSON payload. With --batch the events are sent in confirm mode and unconfirmed events are listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType == "" {
				return errors.New("--type is required")
			}
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			payload := json.RawMessage(data)
			if !json.Valid(payload) {
				return fmt.Errorf("--data is not valid JSON: %s", data)
			}

			ctx, cancel := signalContext()
			defer cancel()

			bus, err := newBus(opts, nil, nil)
			if err != nil {
				return err
			}
			defer bus.Close()

			events := make([]contracts.Event, 0, count)
			for i := 0; i < count; i++ {
				events = append(events, contracts.NewRawEvent(eventType, payload))
			}

			if batch {
				nacked, err := bus.PublishBatch(ctx, events)
				if err != nil {
					return fmt.Errorf("failed to publish batch: %w", err)
				}
				fmt.Printf("Published %d of %d events\n", len(events)-len(nacked), len(events))
				for _, e := range nacked {
					fmt.Printf("  not confirmed: %s\n", e.GetID())
				}
				if len(nacked) > 0 {
					return fmt.Errorf("%d events were not confirmed", len(nacked))
				}
				return nil
			}

			for _, e := range events {
				if err := bus.Publish(ctx, e); err != nil {
					return fmt.Errorf("failed to publish event: %w", err)
				}
				fmt.Printf("Published %s %s\n", e.GetType(), e.GetID())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventType, "type", "t", "", "Event type, used as routing key")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON payload")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of events to publish")
	cmd.Flags().BoolVarP(&batch, "batch", "b", false, "Publish all events in one confirmed batch")
	return cmd
}

func newConsumeCommand(opts *globalOptions) *cobra.Command {
	var (
		types       []string
		fail        bool
		maxRetry    int
		delayMillis int
		exponential bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume events and print them",
		Long:  "Bind the queue to the given event types and print every delivery. With --fail every handler call fails so the retry path can be observed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(types) == 0 {
				return errors.New("--types is required")
			}

			registry, err := printingRegistry(types, fail)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			bus, err := newBus(opts, registry, func(s *config.Settings) {
				if cmd.Flags().Changed("max-retry") || cmd.Flags().Changed("delay") {
					s.Retry.Enabled = true
				}
				if cmd.Flags().Changed("max-retry") {
					s.Retry.MaxRetry = maxRetry
				}
				if cmd.Flags().Changed("delay") {
					s.Retry.DelayMilliseconds = delayMillis
				}
				if cmd.Flags().Changed("exponential") {
					s.Retry.ExponentialDelayEnabled = exponential
				}
			})
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.SubscribeAndStartConsuming(ctx); err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}

			fmt.Printf("Consuming %s from %s... Press Ctrl+C to stop\n", strings.Join(types, ", "), bus.Topology().Queue)
			fmt.Println(strings.Repeat("-", 80))

			<-ctx.Done()
			return bus.Stop()
		},
	}

	cmd.Flags().StringSliceVarP(&types, "types", "t", nil, "Event types to bind and print (comma separated)")
	cmd.Flags().BoolVar(&fail, "fail", false, "Fail every delivery to exercise retries")
	cmd.Flags().IntVar(&maxRetry, "max-retry", 0, "Enable retries with this retry budget")
	cmd.Flags().IntVar(&delayMillis, "delay", 0, "Retry delay in milliseconds")
	cmd.Flags().BoolVar(&exponential, "exponential", false, "Multiply the retry delay by the retry count")
	return cmd
}

var errInducedFailure = errors.New("induced failure")

func printingRegistry(types []string, fail bool) (*messaging.Registry, error) {
	b := messaging.NewRegistryBuilder()
	for _, t := range types {
		messaging.Register(b, strings.TrimSpace(t), func(ctx context.Context, event *contracts.RawEvent) error {
			printEvent(event)
			if fail {
				return errInducedFailure
			}
			return nil
		})
	}
	return b.Build()
}

func printEvent(event *contracts.RawEvent) {
	fmt.Printf("%s  %-30s %s\n", event.GetCreatedAt().Format(time.RFC3339), truncate(event.GetType(), 30), event.GetID())
	if len(event.Payload) > 0 {
		fmt.Printf("  %s\n", truncate(string(event.Payload), 100))
	}
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check broker and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			bus, err := newBus(opts, nil, nil)
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.Connect(ctx); err != nil {
				fmt.Printf("Broker unreachable: %v\n", err)
			}

			report := bus.CheckHealth(ctx)
			printHealth(report)
			if report.Status == health.StatusUnhealthy {
				return errors.New("event bus is unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	return cmd
}

func newTopologyCommand(opts *globalOptions) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare exchanges, queues and bindings",
		Long:  "Declare the topology for the given event types without consuming, then print the declared names.",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := printingRegistry(types, false)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			bus, err := newBus(opts, registry, nil)
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.DeclareTopology(ctx); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}

			printTopology(bus.Topology())
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&types, "types", "t", nil, "Event types to bind (comma separated)")
	return cmd
}

// Output formatting functions

func printHealth(report health.OverallHealth) {
	fmt.Printf("Event Bus Health: %s (%s)\n", report.Status, report.Duration.Truncate(time.Millisecond))
	fmt.Println(strings.Repeat("-", 60))

	for _, name := range []string{"broker", "queues"} {
		check, ok := report.Checks[name]
		if !ok {
			continue
		}
		fmt.Printf("%-10s %-10s %s\n", check.Name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Printf("  error: %s\n", check.Error)
		}
		for k, v := range check.Details {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

func printTopology(t eventbus.Topology) {
	fmt.Printf("%-20s %s\n", "Exchange", t.Exchange)
	fmt.Printf("%-20s %s\n", "Dead-letter exchange", t.DeadLetterExchange)
	fmt.Printf("%-20s %s\n", "Retry exchange", t.RetryExchange)
	fmt.Printf("%-20s %s\n", "Queue", t.Queue)
	fmt.Printf("%-20s %s\n", "Retry queue", t.RetryQueue)
	fmt.Printf("%-20s %s\n", "Event types", strings.Join(t.EventTypes, ", "))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

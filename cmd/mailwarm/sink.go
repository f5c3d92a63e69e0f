package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailwarm/internal/app"
	"github.com/foxzi/mailwarm/internal/sink"
)

var (
	sinkListDomain string
	sinkListFrom   string
	sinkListLimit  int
	sinkClearDays  int
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Local SMTP sink commands",
	Long: `The sink is a local SMTP server that accepts and records warmup mail.
Point transport.relay_addr at it to run the warmup network without real
mail servers.`,
}

var sinkServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sink in the foreground",
	RunE:  runSinkServe,
}

var sinkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded messages",
	RunE:  runSinkList,
}

var sinkShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Print a recorded message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSinkShow,
}

var sinkStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sink statistics",
	RunE:  runSinkStats,
}

var sinkClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete recorded messages",
	RunE:  runSinkClear,
}

var sinkHashCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print a bcrypt hash for sink.auth.users",
	Long: `Print a bcrypt hash for sink.auth.users. Without an argument the
password is read from MAILWARM_SINK_PASSWORD.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSinkHash,
}

func init() {
	sinkListCmd.Flags().StringVar(&sinkListDomain, "domain", "", "Filter by recipient domain")
	sinkListCmd.Flags().StringVar(&sinkListFrom, "from", "", "Filter by sender")
	sinkListCmd.Flags().IntVar(&sinkListLimit, "limit", 50, "Maximum number of messages")

	sinkClearCmd.Flags().IntVar(&sinkClearDays, "older-than", 0, "Clear messages older than N days (0 = all)")

	sinkCmd.AddCommand(sinkServeCmd, sinkListCmd, sinkShowCmd, sinkStatsCmd, sinkClearCmd, sinkHashCmd)
	rootCmd.AddCommand(sinkCmd)
}

func openSinkStorage() (*sink.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := sink.Open(cfg.Sink.StorePath)
	if err != nil {
		return nil, err
	}
	return storage, nil
}

func runSinkServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := sink.Open(cfg.Sink.StorePath)
	if err != nil {
		return err
	}
	defer storage.Close()

	logger := app.NewLogger(cfg.Logging)
	srv, err := app.NewSinkServer(cfg.Sink, storage, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func runSinkList(cmd *cobra.Command, args []string) error {
	storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	messages, err := storage.List(context.Background(), sink.ListFilter{
		Domain: sinkListDomain,
		From:   sinkListFrom,
		Limit:  sinkListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sink")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE-ID\tFROM\tTO\tSUBJECT\tWARMUP\tRECEIVED")
	fmt.Fprintln(w, "----------\t----\t--\t-------\t------\t--------")

	for _, msg := range messages {
		to := strings.Join(msg.To, ", ")
		if len(to) > 30 {
			to = to[:27] + "..."
		}

		subject := msg.Subject
		if len(subject) > 30 {
			subject = subject[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
			msg.MessageID,
			msg.From,
			to,
			subject,
			msg.Warmup,
			msg.ReceivedAt.Format("2006-01-02 15:04:05"),
		)
	}

	w.Flush()
	fmt.Printf("\nShowing %d messages\n", len(messages))

	return nil
}

func runSinkShow(cmd *cobra.Command, args []string) error {
	storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	msg, err := storage.FindByMessageID(context.Background(), strings.Trim(args[0], "<>"))
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	fmt.Printf("From:     %s\n", msg.From)
	fmt.Printf("To:       %s\n", strings.Join(msg.To, ", "))
	fmt.Printf("Received: %s\n", msg.ReceivedAt.Format(time.RFC3339))
	if msg.AuthUser != "" {
		fmt.Printf("Auth:     %s\n", msg.AuthUser)
	}
	if msg.ClientIP != "" {
		fmt.Printf("Client:   %s\n", msg.ClientIP)
	}
	fmt.Println("---")
	os.Stdout.Write(msg.Data)

	return nil
}

func runSinkStats(cmd *cobra.Command, args []string) error {
	storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Total messages:  %d\n", stats.Total)
	fmt.Printf("Warmup messages: %d\n", stats.Warmup)
	if !stats.NewestAt.IsZero() {
		fmt.Printf("Newest:          %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	if len(stats.ByDomain) > 0 {
		domains := make([]string, 0, len(stats.ByDomain))
		for d := range stats.ByDomain {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		fmt.Println("\nBy recipient domain:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, d := range domains {
			fmt.Fprintf(w, "  %s\t%d\n", d, stats.ByDomain[d])
		}
		w.Flush()
	}

	return nil
}

func runSinkClear(cmd *cobra.Command, args []string) error {
	storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	olderThan := time.Duration(sinkClearDays) * 24 * time.Hour
	n, err := storage.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	fmt.Printf("Deleted %d messages\n", n)
	return nil
}

func runSinkHash(cmd *cobra.Command, args []string) error {
	password := os.Getenv("MAILWARM_SINK_PASSWORD")
	if len(args) == 1 {
		password = args[0]
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	hash, err := sink.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Println(hash)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

var (
	accountReq        warmup.RegisterRequest
	accountListStatus string
	accountListOwner  string
	accountListLimit  int
	accountLogsDays   int
	accountLogsLimit  int
	accountFailReason string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Warmup account management commands",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Register an account in the warmup network",
	Long: `Register an account in the warmup network.

The password is read from the MAILWARM_ACCOUNT_PASSWORD environment variable
when --password is not given.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountList,
}

var accountShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show account details and metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

var accountLogsCmd = &cobra.Command{
	Use:   "logs <email>",
	Short: "Show recent messages sent by an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountLogs,
}

var accountPauseCmd = &cobra.Command{
	Use:   "pause <email>",
	Short: "Pause warmup for an account",
	Args:  cobra.ExactArgs(1),
	RunE: accountTransition("paused", func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error) {
		return r.Pause(ctx, email)
	}),
}

var accountResumeCmd = &cobra.Command{
	Use:   "resume <email>",
	Short: "Resume warmup for a paused account",
	Args:  cobra.ExactArgs(1),
	RunE: accountTransition("resumed", func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error) {
		return r.Resume(ctx, email)
	}),
}

var accountActivateCmd = &cobra.Command{
	Use:   "activate <email>",
	Short: "Activate a pending account without a probe",
	Args:  cobra.ExactArgs(1),
	RunE: accountTransition("activated", func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error) {
		return r.Activate(ctx, email)
	}),
}

var accountCompleteCmd = &cobra.Command{
	Use:   "complete <email>",
	Short: "Mark an account's warmup as completed",
	Args:  cobra.ExactArgs(1),
	RunE: accountTransition("completed", func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error) {
		return r.Complete(ctx, email)
	}),
}

var accountFailCmd = &cobra.Command{
	Use:   "fail <email>",
	Short: "Take an account out of warmup as failed",
	Args:  cobra.ExactArgs(1),
	RunE: accountTransition("failed", func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error) {
		return r.Fail(ctx, email, accountFailReason)
	}),
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <email>",
	Short: "Remove an account from the warmup network",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountDelete,
}

func init() {
	f := accountAddCmd.Flags()
	f.StringVar(&accountReq.Owner, "owner", "", "Owner tag")
	f.StringVar(&accountReq.SMTPHost, "smtp-host", "", "SMTP server host (required)")
	f.IntVar(&accountReq.SMTPPort, "smtp-port", 587, "SMTP server port (25, 465, 587, 2525)")
	f.StringVar(&accountReq.IMAPHost, "imap-host", "", "IMAP server host (required)")
	f.IntVar(&accountReq.IMAPPort, "imap-port", 993, "IMAP server port")
	f.StringVar(&accountReq.Username, "username", "", "Login username (default: email)")
	f.StringVar(&accountReq.Password, "password", "", "Login password")
	f.IntVar(&accountReq.DailyLimit, "daily-limit", 0, "Daily send limit (default from config)")
	accountAddCmd.MarkFlagRequired("smtp-host")
	accountAddCmd.MarkFlagRequired("imap-host")

	accountListCmd.Flags().StringVar(&accountListStatus, "status", "", "Filter by status (pending, active, paused, completed, failed)")
	accountListCmd.Flags().StringVar(&accountListOwner, "owner", "", "Filter by owner")
	accountListCmd.Flags().IntVar(&accountListLimit, "limit", 100, "Maximum number of accounts to show")

	accountLogsCmd.Flags().IntVar(&accountLogsDays, "days", 7, "Show messages from the last N days")
	accountLogsCmd.Flags().IntVar(&accountLogsLimit, "limit", 50, "Maximum number of messages to show")

	accountFailCmd.Flags().StringVar(&accountFailReason, "reason", "", "Failure reason recorded as the account's last error (required)")
	accountFailCmd.MarkFlagRequired("reason")

	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountShowCmd, accountLogsCmd,
		accountPauseCmd, accountResumeCmd, accountActivateCmd, accountCompleteCmd, accountFailCmd, accountDeleteCmd)
	rootCmd.AddCommand(accountCmd)
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	req := accountReq
	req.Email = args[0]
	if req.Username == "" {
		req.Username = req.Email
	}
	if req.Password == "" {
		req.Password = os.Getenv("MAILWARM_ACCOUNT_PASSWORD")
	}

	acc, err := application.Registry().Register(context.Background(), req)
	if err != nil {
		return fmt.Errorf("failed to register account: %w", err)
	}

	fmt.Printf("Account %s registered\n", acc.Email)
	fmt.Printf("  Status:      %s\n", acc.Status)
	fmt.Printf("  Daily limit: %d\n", acc.DailyLimit)
	if acc.LastError != "" {
		fmt.Printf("  Probe error: %s\n", acc.LastError)
	}
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	status := store.AccountStatus(accountListStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status: %s", accountListStatus)
	}

	accounts, err := application.Store().ListAccounts(context.Background(), store.AccountFilter{
		Status: status,
		Owner:  accountListOwner,
		Limit:  accountListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSTATUS\tSTAGE\tSENT/LIMIT\tINBOX\tLAST WARMUP")
	fmt.Fprintln(w, "-----\t------\t-----\t----------\t-----\t-----------")

	for _, acc := range accounts {
		last := "-"
		if acc.LastWarmup != nil {
			last = acc.LastWarmup.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%.0f%%\t%s\n",
			acc.Email,
			acc.Status,
			acc.WarmupStage,
			acc.CurrentDailySent, acc.DailyLimit,
			acc.InboxPlacementRate*100,
			last,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d accounts\n", len(accounts))

	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	acc, err := application.Registry().Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Account: %s\n\n", acc.Email)
	if acc.Owner != "" {
		fmt.Printf("Owner:           %s\n", acc.Owner)
	}
	fmt.Printf("Status:          %s\n", acc.Status)
	fmt.Printf("SMTP:            %s:%d\n", acc.SMTPHost, acc.SMTPPort)
	fmt.Printf("IMAP:            %s:%d\n", acc.IMAPHost, acc.IMAPPort)
	fmt.Printf("Stage:           %d (since %s)\n", acc.WarmupStage, acc.StageStartedAt.Format("2006-01-02"))
	fmt.Printf("Daily:           %d/%d\n", acc.CurrentDailySent, acc.DailyLimit)
	fmt.Printf("Warmup emails:   %d (%d delivered, %d failed)\n", acc.TotalWarmupEmails, acc.SuccessfulDeliveries, acc.FailedDeliveries)
	fmt.Printf("Spam incidents:  %d\n", acc.SpamIncidents)
	fmt.Printf("Inbox placement: %.1f%%\n", acc.InboxPlacementRate*100)
	fmt.Printf("Created:         %s\n", acc.CreatedAt.Format(time.RFC3339))
	if acc.LastWarmup != nil {
		fmt.Printf("Last warmup:     %s\n", acc.LastWarmup.Format(time.RFC3339))
	}
	if acc.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", acc.LastError)
	}

	m, err := application.Store().GetMetrics(ctx, acc.Email)
	if err != nil {
		return nil
	}

	fmt.Println("\nMetrics:")
	fmt.Printf("  Sent:            %d\n", m.TotalSent)
	fmt.Printf("  Received:        %d\n", m.TotalReceived)
	fmt.Printf("  Inbox / spam:    %d / %d\n", m.InboxPlacement, m.SpamCount)
	fmt.Printf("  Replies:         %d\n", m.ReplyCount)
	fmt.Printf("  Success rate:    %.1f%%\n", m.SuccessRate*100)
	fmt.Printf("  Engagement rate: %.1f%%\n", m.EngagementRate*100)
	if m.AverageResponseTime != nil {
		fmt.Printf("  Avg response:    %s\n", time.Duration(*m.AverageResponseTime*float64(time.Second)).Round(time.Second))
	}
	fmt.Printf("  Days in stage:   %d\n", m.DaysInStage)

	return nil
}

func runAccountLogs(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	logs, err := application.Store().ListMessageLogs(context.Background(), store.LogFilter{
		FromEmail: store.Key(args[0]),
		Since:     time.Now().AddDate(0, 0, -accountLogsDays),
		Limit:     accountLogsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list logs: %w", err)
	}

	if len(logs) == 0 {
		fmt.Println("No messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SENT\tKIND\tTO\tDELIVERED\tCAMPAIGN\tSUBJECT")
	fmt.Fprintln(w, "----\t----\t--\t---------\t--------\t-------")

	for _, l := range logs {
		subject := l.Subject
		if len(subject) > 40 {
			subject = subject[:37] + "..."
		}
		delivered := "yes"
		if !l.Delivered {
			delivered = "no"
		}
		campaign := l.CampaignID
		if campaign == "" {
			campaign = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.SentAt.Format("2006-01-02 15:04"),
			l.Kind,
			l.ToEmail,
			delivered,
			campaign,
			subject,
		)
	}

	w.Flush()
	return nil
}

func accountTransition(verb string, fn func(ctx context.Context, r *warmup.Registry, email string) (*store.Account, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		application, err := openApp()
		if err != nil {
			return err
		}
		defer application.Close()

		acc, err := fn(context.Background(), application.Registry(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Account %s %s (status: %s)\n", acc.Email, verb, acc.Status)
		return nil
	}
}

func runAccountDelete(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Registry().Delete(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Account %s deleted\n", store.Key(args[0]))
	return nil
}

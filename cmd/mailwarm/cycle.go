package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailwarm/internal/warmup"
)

var (
	cycleAll      bool
	scheduleStart int
	scheduleEnd   int
	scheduleDays  int
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Warmup cycle commands",
}

var cycleRunCmd = &cobra.Command{
	Use:   "run [email]",
	Short: "Run a warmup cycle now",
	Long: `Run one warmup cycle for an account, or with --all one dispatch round
for every active account that is due.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCycle,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print a linear ramp schedule",
	RunE:  runSchedule,
}

func init() {
	cycleRunCmd.Flags().BoolVar(&cycleAll, "all", false, "Run cycles for every due account")
	cycleCmd.AddCommand(cycleRunCmd)

	scheduleCmd.Flags().IntVar(&scheduleStart, "start", 5, "Starting daily volume")
	scheduleCmd.Flags().IntVar(&scheduleEnd, "target", 100, "Target daily volume")
	scheduleCmd.Flags().IntVar(&scheduleDays, "days", 30, "Number of days")

	rootCmd.AddCommand(cycleCmd, scheduleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	if cycleAll == (len(args) == 1) {
		return fmt.Errorf("give either an email or --all")
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cycleAll {
		summary, err := application.Runner().RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Due: %d, completed: %d, skipped: %d, failed: %d\n",
			summary.Due, summary.Completed, summary.Skipped, summary.Failed)
		return nil
	}

	report, err := application.Engine().RunCycle(ctx, args[0])
	if report != nil {
		printReport(report)
	}
	if err != nil && !(report != nil && errors.Is(err, warmup.ErrTransportUnavailable)) {
		return err
	}
	if err != nil {
		fmt.Printf("\nWarning: %v\n", err)
	}
	return nil
}

func printReport(r *warmup.CycleReport) {
	fmt.Printf("Cycle %s for %s\n\n", r.CycleID, r.Email)
	fmt.Printf("Stage:       %d\n", r.Stage)
	fmt.Printf("Volume:      %d (%d partners)\n", r.Volume, r.Partners)
	fmt.Printf("Sent:        %d attempted, %d delivered, %d failed\n", r.Attempted, r.Delivered, r.Failed)
	fmt.Printf("Engagement:  %d actions, %d replies\n", r.Engagements, r.Replies)
	if r.Throttled {
		fmt.Printf("Throttled:   yes\n")
	}
	fmt.Printf("Duration:    %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	states := make([]string, len(r.Transitions))
	for i, s := range r.Transitions {
		states[i] = string(s)
	}
	fmt.Printf("States:      %s\n", strings.Join(states, " -> "))

	if d := r.Decision; d != nil {
		fmt.Printf("Decision:    %s\n", describeDecision(d))
	}
}

func describeDecision(d *warmup.Decision) string {
	switch {
	case d.Complete:
		return "warmup complete: " + d.Reason
	case d.Advance:
		return fmt.Sprintf("advance to stage %d, daily limit %d", d.NewStage, d.NewDailyLimit)
	case d.Reason != "":
		return "stay: " + d.Reason
	default:
		return "stay"
	}
}

func runSchedule(cmd *cobra.Command, args []string) error {
	if scheduleStart < 0 || scheduleEnd < 0 || scheduleDays < 0 {
		return fmt.Errorf("start, target and days must not be negative")
	}

	schedule := warmup.GenerateSchedule(scheduleStart, scheduleEnd, scheduleDays)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "DAY\tVOLUME\t")
	for i, v := range schedule {
		fmt.Fprintf(w, "%d\t%d\t\n", i+1, v)
	}
	w.Flush()

	return nil
}

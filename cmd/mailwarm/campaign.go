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

const dateLayout = "2006-01-02"

var (
	campaignOwner  string
	campaignName   string
	campaignStatus string
	campaignTarget int
	campaignStart  string
	campaignEnd    string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
	Long: `Campaigns cap the daily warmup volume of all accounts of one owner.
While a campaign runs, the owner's accounts together send at most its
target_daily_emails per UTC day.`,
}

var campaignAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a campaign",
	RunE:  runCampaignAdd,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a campaign; flags not given keep their value",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignUpdate,
}

var campaignDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignDelete,
}

func init() {
	for _, c := range []*cobra.Command{campaignAddCmd, campaignUpdateCmd} {
		f := c.Flags()
		f.StringVar(&campaignOwner, "owner", "", "Owner whose accounts the campaign caps")
		f.StringVar(&campaignName, "name", "", "Campaign name")
		f.StringVar(&campaignStatus, "status", "", "Status (active, paused, completed)")
		f.IntVar(&campaignTarget, "target", 0, "Daily email target across the owner's accounts")
		f.StringVar(&campaignStart, "start", "", "Start date (YYYY-MM-DD, default: now)")
		f.StringVar(&campaignEnd, "end", "", "End date (YYYY-MM-DD, default: open ended)")
	}
	campaignAddCmd.MarkFlagRequired("owner")
	campaignAddCmd.MarkFlagRequired("name")
	campaignAddCmd.MarkFlagRequired("target")

	campaignListCmd.Flags().StringVar(&campaignOwner, "owner", "", "Filter by owner")
	campaignListCmd.Flags().StringVar(&campaignStatus, "status", "", "Filter by status")

	campaignCmd.AddCommand(campaignAddCmd, campaignListCmd, campaignShowCmd, campaignUpdateCmd, campaignDeleteCmd)
	rootCmd.AddCommand(campaignCmd)
}

func parseDate(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD", flag, value)
	}
	return &t, nil
}

// campaignRequest builds a request from the flags, starting from base
func campaignRequest(cmd *cobra.Command, base warmup.CampaignRequest) (warmup.CampaignRequest, error) {
	req := base
	f := cmd.Flags()
	if f.Changed("owner") {
		req.Owner = campaignOwner
	}
	if f.Changed("name") {
		req.Name = campaignName
	}
	if f.Changed("status") {
		req.Status = store.CampaignStatus(campaignStatus)
	}
	if f.Changed("target") {
		req.TargetDailyEmails = campaignTarget
	}
	if f.Changed("start") {
		start, err := parseDate("start", campaignStart)
		if err != nil {
			return req, err
		}
		req.StartDate = start
	}
	if f.Changed("end") {
		end, err := parseDate("end", campaignEnd)
		if err != nil {
			return req, err
		}
		req.EndDate = end
	}
	return req, nil
}

func runCampaignAdd(cmd *cobra.Command, args []string) error {
	req, err := campaignRequest(cmd, warmup.CampaignRequest{})
	if err != nil {
		return err
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	c, err := application.Campaigns().Create(context.Background(), req)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	fmt.Printf("Campaign %s created\n", c.ID)
	fmt.Printf("  Owner:  %s\n", c.Owner)
	fmt.Printf("  Target: %d emails/day\n", c.TargetDailyEmails)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	status := store.CampaignStatus(campaignStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status: %s", campaignStatus)
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	campaigns, err := application.Campaigns().List(context.Background(), store.CampaignFilter{
		Owner:  campaignOwner,
		Status: status,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tNAME\tSTATUS\tTODAY\tPERIOD")
	fmt.Fprintln(w, "--\t-----\t----\t------\t-----\t------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			c.ID,
			c.Owner,
			c.Name,
			c.Status,
			c.Sent(now), c.TargetDailyEmails,
			period(c),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))
	return nil
}

func period(c *store.Campaign) string {
	end := "open"
	if c.EndDate != nil {
		end = c.EndDate.Format(dateLayout)
	}
	return c.StartDate.Format(dateLayout) + " .. " + end
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	c, err := application.Campaigns().Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	now := time.Now()
	running := "no"
	if c.Running(now) {
		running = "yes"
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:    %s\n", c.Name)
	fmt.Printf("Owner:   %s\n", c.Owner)
	fmt.Printf("Status:  %s (running: %s)\n", c.Status, running)
	fmt.Printf("Period:  %s\n", period(c))
	fmt.Printf("Today:   %d/%d (%d left)\n", c.Sent(now), c.TargetDailyEmails, c.Remaining(now))
	fmt.Printf("Created: %s\n", c.CreatedAt.Format(time.RFC3339))
	return nil
}

func runCampaignUpdate(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	c, err := application.Campaigns().Get(ctx, args[0])
	if err != nil {
		return err
	}

	start := c.StartDate
	req, err := campaignRequest(cmd, warmup.CampaignRequest{
		Owner:             c.Owner,
		Name:              c.Name,
		Status:            c.Status,
		StartDate:         &start,
		EndDate:           c.EndDate,
		TargetDailyEmails: c.TargetDailyEmails,
	})
	if err != nil {
		return err
	}

	c, err = application.Campaigns().Update(ctx, args[0], req)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	fmt.Printf("Campaign %s updated (status: %s, target: %d)\n", c.ID, c.Status, c.TargetDailyEmails)
	return nil
}

func runCampaignDelete(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Campaigns().Delete(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Campaign %s deleted\n", args[0])
	return nil
}

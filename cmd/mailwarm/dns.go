package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailwarm/internal/address"
	"github.com/foxzi/mailwarm/internal/config"
	"github.com/foxzi/mailwarm/internal/dnscheck"
)

var dnsSelector string

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Sender DNS readiness commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check <domain|email>",
	Short: "Check MX, SPF, DKIM and DMARC records of a sender domain",
	Long: `Check the DNS records a sender domain needs before warmup.
The DKIM selector defaults to the one configured for the domain, if any.`,
	Args: cobra.ExactArgs(1),
	RunE: runDNSCheck,
}

var dnsBlocklistCmd = &cobra.Command{
	Use:   "blocklist <ip>",
	Short: "Check a sending IPv4 address against DNS blocklists",
	Args:  cobra.ExactArgs(1),
	RunE:  runDNSBlocklist,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector")

	dnsCmd.AddCommand(dnsCheckCmd, dnsBlocklistCmd)
	rootCmd.AddCommand(dnsCmd)
}

// senderDomain accepts either a bare domain or a mailbox address
func senderDomain(arg string) string {
	if strings.Contains(arg, "@") {
		return address.Domain(arg)
	}
	return strings.ToLower(strings.TrimSpace(arg))
}

// configuredSelector looks up the DKIM selector for domain in the config,
// when one was given
func configuredSelector(domain string) string {
	if cfgFile == "" {
		return ""
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return ""
	}
	for _, d := range cfg.Transport.DKIM {
		if strings.EqualFold(d.Domain, domain) {
			return d.Selector
		}
	}
	return ""
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	domain := senderDomain(args[0])
	selector := dnsSelector
	if selector == "" {
		selector = configuredSelector(domain)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := dnscheck.NewChecker(nil).CheckDomain(ctx, domain, selector)
	if err != nil {
		return err
	}

	fmt.Printf("Domain:   %s\n", report.Domain)
	fmt.Printf("Selector: %s\n\n", report.Selector)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Type, r.Status, r.Message)
	}
	w.Flush()

	if !report.Ready() {
		return fmt.Errorf("%s is not ready for warmup", report.Domain)
	}
	fmt.Printf("\n%s is ready for warmup\n", report.Domain)
	return nil
}

func runDNSBlocklist(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	listings, err := dnscheck.NewChecker(nil).CheckBlocklists(ctx, args[0], nil)
	if err != nil {
		return err
	}

	listed := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCKLIST\tZONE\tRESULT")
	for _, l := range listings {
		result := "clean"
		switch {
		case l.Error != "":
			result = "error: " + l.Error
		case l.Listed:
			result = "LISTED " + strings.Join(l.Codes, ",")
			listed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Blocklist.Name, l.Blocklist.Zone, result)
	}
	w.Flush()

	if listed > 0 {
		return fmt.Errorf("%s is listed on %d blocklist(s)", args[0], listed)
	}
	return nil
}

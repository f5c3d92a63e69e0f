package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput   string
	initDataDir  string
	initHostname string
	initAPIKey   string
	initRedis    string
	initLocal    bool
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a mailwarm configuration file",
	Long: `Create a mailwarm configuration file, prompting for missing values.

Examples:
  # Interactive mode - prompts for missing values
  mailwarm init

  # Local network: every account delivers into the built-in sink
  mailwarm init --local --data-dir ./data -o local.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailwarm", "Data directory for the database")
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "EHLO hostname (default: machine hostname)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initRedis, "redis", "", "Redis address for cycle leases (default: in-process)")
	initCmd.Flags().BoolVar(&initLocal, "local", false, "Relay all mail into the built-in sink")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mailwarm Configuration")
	fmt.Println("======================")
	fmt.Println()

	if !cmd.Flags().Changed("data-dir") {
		initDataDir = prompt(reader, "Data directory", initDataDir)
	}

	if initHostname == "" {
		hostname, _ := os.Hostname()
		initHostname = prompt(reader, "EHLO hostname", hostname)
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n\n", initOutput)

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Register accounts:")
	fmt.Printf("   mailwarm -c %s account add user@example.com --smtp-host smtp.example.com --imap-host imap.example.com --password ...\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the scheduler and API:")
	fmt.Printf("   mailwarm -c %s serve\n", initOutput)
	fmt.Println()
	fmt.Println("3. Check an account:")
	fmt.Println("   curl http://localhost:8080/api/v1/accounts/user@example.com \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\"\n", initAPIKey)
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	transport := fmt.Sprintf(`transport:
  hostname: "%s"
  timeout: 30s
  max_attempts: 3
  # dkim:
  #   - domain: "example.com"
  #     selector: "mailwarm"
  #     key_file: "%s/dkim/example.com.key"`, initHostname, initDataDir)

	sinkSection := `sink:
  enabled: false
  listen_addr: "127.0.0.1:2525"`

	mailbox := `mailbox:
  enabled: true
  timeout: 30s
  window: 168h`

	if initLocal {
		transport = fmt.Sprintf(`transport:
  hostname: "%s"
  relay_addr: "127.0.0.1:2525"
  insecure: true`, initHostname)
		sinkSection = `sink:
  enabled: true
  listen_addr: "127.0.0.1:2525"
  domain: "localhost"`
		mailbox = `mailbox:
  enabled: false`
	}

	lease := `lease:
  ttl: 30m
  # redis:
  #   addr: "localhost:6379"`
	if initRedis != "" {
		lease = fmt.Sprintf(`lease:
  ttl: 30m
  redis:
    addr: "%s"
    password: "${REDIS_PASSWORD}"`, initRedis)
	}

	return fmt.Sprintf(`# mailwarm configuration
# Generated by: mailwarm init

storage:
  path: "%s/mailwarm.db"

logging:
  level: "info"
  format: "json"

warmup:
  initial_volume: 5
  max_volume: 100
  ramp_up_rate: 2.0
  min_days_in_stage: 7
  required_success_rate: 0.95
  daily_limit_increment: 10
  max_stage: 5
  default_daily_limit: 50
  engagement_delay_min: 30s
  engagement_delay_max: 5m
  engagement_weights:
    read: 0.5
    reply: 0.2
    mark_important: 0.15
    move_to_primary: 0.15

registry:
  check_mx: %v
  probe: true

scheduler:
  enabled: true
  interval: 24h
  tick: 1m
  workers: 4
  cycle_timeout: 2h

%s

%s

%s

rate_limit:
  enabled: true
  default_sender:
    messages_per_day: 200
  default_recipient_domain:
    messages_per_hour: 100

api:
  enabled: true
  listen_addr: ":8080"
  api_key: "%s"

metrics:
  enabled: true
  listen_addr: ":9090"
  allowed_ips:
    - "127.0.0.1"
    - "::1"

retention:
  log_max_age: 720h

%s
`,
		initDataDir,
		!initLocal,
		transport,
		mailbox,
		lease,
		initAPIKey,
		sinkSection,
	)
}

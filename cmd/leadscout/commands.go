package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/leadscout/internal/config"
)

// jobView mirrors the server's job wire shape.
type jobView struct {
	ID         string `json:"id"`
	SearchType string `json:"search_type"`
	Query      string `json:"query"`
	Status     string `json:"status"`
	Progress   struct {
		Completed int    `json:"completed"`
		Total     int    `json:"total"`
		Phase     string `json:"phase"`
		Message   string `json:"message"`
	} `json:"progress"`
	Error     string `json:"error"`
	CreatedAt string `json:"created_at"`
}

func printJobLine(j jobView) {
	query := j.Query
	if len(query) > 60 {
		query = query[:60] + "..."
	}
	fmt.Printf("%s  %-20s %-11s %d/%d  %s\n",
		colorize(colorCyan, j.ID[:8]),
		j.SearchType,
		j.Status,
		j.Progress.Completed,
		j.Progress.Total,
		query,
	)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Queue an asynchronous search job",
	Long: `Queue an asynchronous search job.

Examples:
  leadscout search "marketing agencies in Austin"
  leadscout search --type organization_people "fintech startups in Berlin"
  leadscout search --type bulk_email --priority 5 "law firms in Chicago"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		searchType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"search_type": searchType,
			"query":       query,
			"source":      "cli",
			"priority":    priority,
		}
		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s job %s", searchType, result["id"])
		printStep("Poll with: leadscout job %s", result["id"])
		return nil
	},
}

func init() {
	searchCmd.Flags().String("type", "organization", "search type (organization, organization_people, email_enrichment, bulk_email)")
	searchCmd.Flags().Int("priority", 0, "higher priority runs first")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent search jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var jobs []jobView
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			printJobLine(j)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a single job with its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// --- terminate / cancel / retry ---

var terminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Stop a pending or running job, keeping partial results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/terminate", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Job %s terminated", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job that has not started yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Job %s cancelled", args[0])
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Job %s re-queued", args[0])
		return nil
	},
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days < 1 {
			return fmt.Errorf("--days must be at least 1")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/jobs?older_than_days=%d", days))
		if err != nil {
			return err
		}

		var result map[string]int64
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d jobs older than %d days", result["deleted"], days)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 30, "delete finished jobs older than this many days")
}

// --- credits ---

var creditsCmd = &cobra.Command{
	Use:   "credits [add <amount>]",
	Short: "Show or top up the credit balance",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			if args[0] != "add" || len(args) != 2 {
				return fmt.Errorf("usage: leadscout credits add <amount>")
			}
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer")
			}

			resp, err := client.post(cmd.Context(), "/credits", map[string]any{"amount": amount})
			if err != nil {
				return err
			}
			var result map[string]int
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Added %d credits, balance is now %d", amount, result["balance"])
			return nil
		}

		resp, err := client.get(cmd.Context(), "/credits")
		if err != nil {
			return err
		}
		var balance struct {
			Balance   int `json:"balance"`
			TotalUsed int `json:"total_used"`
		}
		if err := decodeJSON(resp, &balance); err != nil {
			return err
		}

		printStatus("Balance", "%d", balance.Balance)
		printStatus("Total used", "%d", balance.TotalUsed)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

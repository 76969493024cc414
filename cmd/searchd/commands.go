package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imaginario/searchd/internal/config"
)

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect search jobs",
}

type jobView struct {
	ID              string   `json:"id"`
	Query           string   `json:"query"`
	Strategy        string   `json:"strategy"`
	Status          string   `json:"status"`
	ResultsCount    int      `json:"results_count"`
	ErrorMessage    string   `json:"error_message"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	RetryOf         string   `json:"retry_of"`
	CreatedAt       string   `json:"created_at"`
	DocumentIDs     []string `json:"document_ids"`
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <query>",
	Short: "Submit an asynchronous search job",
	Long: `Submit an asynchronous search job.

Examples:
  searchd jobs submit "kitten care" --strategy fuzzy_search
  searchd jobs submit "golang concurrency" --strategy text_search --documents id1,id2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		strategy, _ := cmd.Flags().GetString("strategy")
		docsStr, _ := cmd.Flags().GetString("documents")

		req := map[string]any{
			"query":    query,
			"strategy": strategy,
		}
		if docsStr != "" {
			ids := strings.Split(docsStr, ",")
			for i := range ids {
				ids[i] = strings.TrimSpace(ids[i])
			}
			req["document_ids"] = ids
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search/jobs", req)
		if err != nil {
			return err
		}

		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Queued job %s (%s)", job.ID, job.Strategy)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your search jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/v1/search/jobs?page=%d&per_page=%d", page, perPage)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Jobs       []jobView `json:"jobs"`
			Pagination struct {
				Page       int `json:"page"`
				TotalItems int `json:"total_items"`
				TotalPages int `json:"total_pages"`
			} `json:"pagination"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, job := range result.Jobs {
			query := job.Query
			if len(query) > 60 {
				query = query[:60] + "..."
			}
			fmt.Printf("%s  %-10s  %-12s  %s\n",
				colorize(colorCyan, shortID(job.ID)),
				job.Status,
				job.Strategy,
				query,
			)
		}
		fmt.Printf("\npage %d of %d (%d jobs)\n",
			result.Pagination.Page, result.Pagination.TotalPages, result.Pagination.TotalItems)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/search/jobs/"+args[0])
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

var jobsDetailsCmd = &cobra.Command{
	Use:   "details <id>",
	Short: "Show a job with its search results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/search/jobs/"+args[0]+"/details")
		if err != nil {
			return err
		}

		var details struct {
			jobView
			Results []struct {
				DocumentID  string  `json:"document_id"`
				Title       string  `json:"title"`
				MatchedText string  `json:"matched_text"`
				Score       float64 `json:"relevance_score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &details); err != nil {
			return err
		}

		printStatus("Status", "%s", details.Status)
		if details.ErrorMessage != "" {
			printStatus("Error", "%s", details.ErrorMessage)
		}
		if details.Status == "completed" {
			printStatus("Execution", "%dms", details.ExecutionTimeMs)
		}

		if len(details.Results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for i, r := range details.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d: %s", i+1, r.Title)), r.Score)
			fmt.Printf("  %s\n", r.MatchedText)
		}
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a completed or failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}

		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Queued retry %s of job %s", job.ID, job.RetryOf)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search/jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Cancelled job %s", job.ID)
		return nil
	},
}

func init() {
	jobsSubmitCmd.Flags().String("strategy", "text_search", "search strategy to use")
	jobsSubmitCmd.Flags().String("documents", "", "comma-separated document ids to search (default: all)")
	jobsListCmd.Flags().Int("page", 1, "page number")
	jobsListCmd.Flags().Int("per-page", 20, "jobs per page")
	jobsListCmd.Flags().String("status", "", "filter by status")

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsDetailsCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage the searchable corpus",
}

var documentsAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a document",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		description, _ := cmd.Flags().GetString("description")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/documents", map[string]string{
			"title":       title,
			"description": description,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Added document %s", result["id"])
		return nil
	},
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/v1/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			desc := d.Description
			if len(desc) > 60 {
				desc = desc[:60] + "..."
			}
			fmt.Printf("%s  %-30s  %s\n", colorize(colorCyan, shortID(d.ID)), d.Title, desc)
		}
		return nil
	},
}

func init() {
	documentsAddCmd.Flags().String("description", "", "document description")
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")

	documentsCmd.AddCommand(documentsAddCmd)
	documentsCmd.AddCommand(documentsListCmd)
}

// --- strategies / breaker ---

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List available search strategies",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/search/strategies")
		if err != nil {
			return err
		}

		var result struct {
			Strategies []string `json:"strategies"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, s := range result.Strategies {
			fmt.Println(s)
		}
		return nil
	},
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Show circuit breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/system/circuit-breaker")
		if err != nil {
			return err
		}

		var snap struct {
			State               string  `json:"state"`
			ConsecutiveFailures int     `json:"consecutive_failures"`
			FailureThreshold    int     `json:"failure_threshold"`
			RecoveryTimeoutSecs float64 `json:"recovery_timeout_seconds"`
			LastTransitionAt    string  `json:"last_transition_at"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printStatus("State", "%s", snap.State)
		printStatus("Failures", "%d of %d", snap.ConsecutiveFailures, snap.FailureThreshold)
		printStatus("Recovery timeout", "%.0fs", snap.RecoveryTimeoutSecs)
		printStatus("Last transition", "%s", snap.LastTransitionAt)
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

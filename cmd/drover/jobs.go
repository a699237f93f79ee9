package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Enqueue and inspect jobs",
	}
	cmd.AddCommand(jobEnqueueCmd(), jobStatusCmd(), jobCancelCmd(), jobListCmd())
	return cmd
}

func jobEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}

			rawInput, _ := cmd.Flags().GetString("input")
			input := map[string]any{}
			if rawInput != "" {
				if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
					return fmt.Errorf("invalid --input JSON: %w", err)
				}
			}

			priority, _ := cmd.Flags().GetInt("priority")
			body := map[string]any{
				"type":     args[0],
				"input":    input,
				"priority": priority,
			}
			if cmd.Flags().Changed("max-retries") {
				retries, _ := cmd.Flags().GetInt("max-retries")
				body["max_retries"] = retries
			}

			var created map[string]any
			if err := client.do("POST", "/api/jobs", body, &created); err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	clientFlags(cmd)
	cmd.Flags().String("input", "", "Job input as a JSON object")
	cmd.Flags().Int("priority", 0, "Scheduling priority (higher first)")
	cmd.Flags().Int("max-retries", 0, "Retry budget override")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var j map[string]any
			if err := client.do("GET", "/api/jobs/"+args[0], nil, &j); err != nil {
				return err
			}
			return printJSON(j)
		},
	}
	clientFlags(cmd)
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var j map[string]any
			if err := client.do("DELETE", "/api/jobs/"+args[0], nil, &j); err != nil {
				return err
			}
			return printJSON(j)
		},
	}
	clientFlags(cmd)
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}

			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			var jobs []map[string]any
			if err := client.do("GET", "/api/jobs"+listQuery(status, limit, offset), nil, &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s %-15s retries=%v\n",
					j["id"], j["status"], j["type"], j["retry_count"])
			}
			return nil
		},
	}
	clientFlags(cmd)
	cmd.Flags().String("status", "pending", "Status to list")
	cmd.Flags().Int("limit", 50, "Maximum number of jobs")
	cmd.Flags().Int("offset", 0, "Pagination offset")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-status job counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var stats map[string]any
			if err := client.do("GET", "/api/stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	clientFlags(cmd)
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge old terminal jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}

			age, _ := cmd.Flags().GetString("age")
			statuses, _ := cmd.Flags().GetStringSlice("statuses")

			body := map[string]any{"age": age}
			if len(statuses) > 0 {
				body["statuses"] = statuses
			}

			var result map[string]any
			if err := client.do("POST", "/api/cleanup", body, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	clientFlags(cmd)
	cmd.Flags().String("age", "168h", "Purge jobs older than this duration")
	cmd.Flags().StringSlice("statuses", nil, "Statuses to purge (default: terminal)")
	return cmd
}

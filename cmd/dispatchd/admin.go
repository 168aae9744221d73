package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// The admin commands are thin clients over the HTTP API of a running
// dispatchd server.

var healthCmd = &cobra.Command{
	Use:   "health [worker-id]",
	Short: "Show worker health snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/health"
		if len(args) == 1 {
			path = "/health/" + url.PathEscape(args[0])
		}
		return getAndPrint(path)
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		capability, _ := cmd.Flags().GetString("capability")
		path := "/workers"
		if capability != "" {
			path += "?capability=" + url.QueryEscape(capability)
		}
		return getAndPrint(path)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <worker-id>",
	Short: "Force a liveness probe of a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().Post(serverAddr+"/probe/"+url.PathEscape(args[0]), "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Submit a work request",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		payload, _ := cmd.Flags().GetString("payload")
		capabilities, _ := cmd.Flags().GetStringSlice("require")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		body, err := json.Marshal(map[string]any{
			"category":              category,
			"required_capabilities": capabilities,
			"payload":               payload,
			"max_attempts":          maxAttempts,
			"timeout_ms":            int(timeout.Milliseconds()),
		})
		if err != nil {
			return err
		}

		resp, err := apiClient().Post(serverAddr+"/dispatch", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the assignment ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, _ := cmd.Flags().GetString("worker")
		outcome, _ := cmd.Flags().GetString("outcome")

		params := url.Values{}
		if workerID != "" {
			params.Set("worker_id", workerID)
		}
		if outcome != "" {
			params.Set("outcome", outcome)
		}
		path := "/assignments"
		if len(params) > 0 {
			path += "?" + params.Encode()
		}
		return getAndPrint(path)
	},
}

func init() {
	workersCmd.Flags().String("capability", "", "filter workers by capability tag")

	dispatchCmd.Flags().String("category", "", "work category selecting a fallback chain")
	dispatchCmd.Flags().String("payload", "", "payload forwarded to the chosen worker")
	dispatchCmd.Flags().StringSlice("require", nil, "required capability tags")
	dispatchCmd.Flags().Int("max-attempts", 0, "bound on distinct workers tried")
	dispatchCmd.Flags().Duration("timeout", 0, "request time budget")

	historyCmd.Flags().String("worker", "", "filter by worker id")
	historyCmd.Flags().String("outcome", "", "filter by outcome (success|failure|timeout)")
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

func getAndPrint(path string) error {
	resp, err := apiClient().Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

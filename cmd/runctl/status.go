package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// statusCmd shows server-wide orchestration state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run counts, queue depth, and worker count",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// StatusResponse matches internal/http/types.go StatusResponse
type StatusResponse struct {
	Status  string         `json:"status"`
	Runs    map[string]int `json:"runs"`
	Queue   map[string]int `json:"queue"`
	Workers int            `json:"workers"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp StatusResponse
	if err := apiGet("/v1/status", &resp); err != nil {
		return err
	}
	fmt.Print(formatStatus(&resp))
	return nil
}

// formatStatus renders the status response with sorted keys so output is
// stable across invocations.
func formatStatus(resp *StatusResponse) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(&b, "Workers: %d\n", resp.Workers)

	b.WriteString("Runs:\n")
	if len(resp.Runs) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, k := range sortedKeys(resp.Runs) {
		fmt.Fprintf(&b, "  %-12s %d\n", k, resp.Runs[k])
	}

	b.WriteString("Queue:\n")
	if len(resp.Queue) == 0 {
		b.WriteString("  (empty)\n")
	}
	for _, k := range sortedKeys(resp.Queue) {
		fmt.Fprintf(&b, "  %-12s %d\n", k, resp.Queue[k])
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

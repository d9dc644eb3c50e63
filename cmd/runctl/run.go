package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitOrg       string
	submitOwner     string
	submitPriority  string
	submitMaxAgents int
	submitStart     bool
)

// submitCmd submits a run spec from a file or stdin
var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a run spec from a file or stdin",
	Long: `Submit a run spec to the rund server. Each non-empty line of the
spec becomes one task.

Examples:
  # Submit a spec file and start it immediately
  runctl submit --org acme --owner alice --start plan.txt

  # Submit from stdin
  echo "build the report" | runctl submit --org acme --owner alice -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var startCmd = lifecycleCommand("start", "Start a created run, reserving credits")
var pauseCmd = lifecycleCommand("pause", "Pause a running run")
var resumeCmd = lifecycleCommand("resume", "Resume a paused run")
var cancelCmd = lifecycleCommand("cancel", "Cancel a run and release its reservation")
var retryCmd = lifecycleCommand("retry", "Retry a failed run")

// getCmd shows a run with its tasks and steps
var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run with its tasks and steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

// artifactsCmd lists a run's artifacts
var artifactsCmd = &cobra.Command{
	Use:   "artifacts <run-id>",
	Short: "List a run's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifacts,
}

func init() {
	submitCmd.Flags().StringVar(&submitOrg, "org", "", "org the run bills against (required)")
	submitCmd.Flags().StringVar(&submitOwner, "owner", "", "user submitting the run (required)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "queue class: interactive, standard, or batch")
	submitCmd.Flags().IntVar(&submitMaxAgents, "max-agents", 0, "parallel task bound (0 = server default)")
	submitCmd.Flags().BoolVar(&submitStart, "start", false, "start the run after submitting")
	_ = submitCmd.MarkFlagRequired("org")
	_ = submitCmd.MarkFlagRequired("owner")
}

// Run mirrors the run fields the CLI renders.
type Run struct {
	ID              string `json:"id"`
	OrgID           string `json:"org_id"`
	Status          string `json:"status"`
	Attempt         int    `json:"attempt"`
	CreditsReserved int64  `json:"credits_reserved"`
	CreditsCharged  int64  `json:"credits_charged"`
	CreditsRefunded int64  `json:"credits_refunded"`
}

// RunDetail matches internal/http/types.go RunDetail
type RunDetail struct {
	Run   *Run         `json:"run"`
	Tasks []TaskDetail `json:"tasks"`
}

// TaskDetail matches internal/http/types.go TaskDetail
type TaskDetail struct {
	Task  *Task   `json:"task"`
	Steps []*Step `json:"steps"`
}

// Task mirrors the task fields the CLI renders.
type Task struct {
	ID     string `json:"id"`
	Seq    int    `json:"seq"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Step mirrors the step fields the CLI renders.
type Step struct {
	ID      string `json:"id"`
	Seq     int    `json:"seq"`
	Tool    string `json:"tool"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
}

// Artifact mirrors the artifact fields the CLI renders.
type Artifact struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactsResponse matches internal/http/types.go ArtifactsResponse
type ArtifactsResponse struct {
	Artifacts []*Artifact `json:"artifacts"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var spec []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		spec, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		spec, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(strings.TrimSpace(string(spec))) == 0 {
		return fmt.Errorf("no spec to submit")
	}

	body := map[string]any{
		"org_id":   submitOrg,
		"owner_id": submitOwner,
		"spec":     string(spec),
	}
	if submitPriority != "" {
		body["priority"] = submitPriority
	}
	if submitMaxAgents > 0 {
		body["max_agents"] = submitMaxAgents
	}

	var run Run
	if err := apiPost("/v1/runs", body, &run, ""); err != nil {
		return err
	}

	fmt.Printf("Run %s submitted (%s)\n", run.ID, run.Status)

	if submitStart {
		if err := apiPost("/v1/runs/"+run.ID+"/start", nil, &run, ""); err != nil {
			return err
		}
		fmt.Printf("Run %s started, %d credits reserved\n", run.ID, run.CreditsReserved)
	}
	return nil
}

// lifecycleCommand builds a run lifecycle subcommand.
func lifecycleCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run Run
			if err := apiPost("/v1/runs/"+args[0]+"/"+verb, nil, &run, ""); err != nil {
				return err
			}
			fmt.Printf("Run %s is now %s\n", run.ID, run.Status)
			return nil
		},
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	var detail RunDetail
	if err := apiGet("/v1/runs/"+args[0], &detail); err != nil {
		return err
	}
	fmt.Print(formatRunDetail(&detail))
	return nil
}

// formatRunDetail renders the run tree one line per entity.
func formatRunDetail(detail *RunDetail) string {
	var b strings.Builder

	run := detail.Run
	fmt.Fprintf(&b, "run %s  %s  attempt %d\n", run.ID, run.Status, run.Attempt)
	fmt.Fprintf(&b, "  credits: reserved %d, charged %d, refunded %d\n",
		run.CreditsReserved, run.CreditsCharged, run.CreditsRefunded)

	for _, td := range detail.Tasks {
		fmt.Fprintf(&b, "  task %d  %s  %s\n", td.Task.Seq, td.Task.Status, td.Task.Title)
		for _, step := range td.Steps {
			fmt.Fprintf(&b, "    step %d  %s  %s (attempt %d)\n",
				step.Seq, step.Status, step.Tool, step.Attempt)
		}
	}
	return b.String()
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	var resp ArtifactsResponse
	if err := apiGet("/v1/runs/"+args[0]+"/artifacts", &resp); err != nil {
		return err
	}

	if len(resp.Artifacts) == 0 {
		fmt.Println("no artifacts")
		return nil
	}
	for _, art := range resp.Artifacts {
		fmt.Printf("%s  %6d bytes  %s\n", art.ID, art.Size, art.Hash)
	}
	return nil
}

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// balanceCmd shows an org's credit position
var balanceCmd = &cobra.Command{
	Use:   "balance <org-id>",
	Short: "Show an org's credit balance and active reservations",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

// depositCmd adds credits to an org
var depositCmd = &cobra.Command{
	Use:   "deposit <org-id> <amount>",
	Short: "Add credits to an org's balance",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeposit,
}

// deadlettersCmd lists exhausted work items
var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List work items that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetters,
}

// Balance matches internal/ledger/types.go Balance
type Balance struct {
	OrgID    string `json:"org_id"`
	Balance  int64  `json:"balance"`
	Reserved int64  `json:"reserved"`
}

// DeadLetter matches internal/queue/queue.go DeadLetter
type DeadLetter struct {
	Item         *WorkItem `json:"item"`
	Attempts     int       `json:"attempts"`
	ErrorHistory []string  `json:"error_history"`
	DeadAt       time.Time `json:"dead_at"`
}

// WorkItem mirrors the work item fields the CLI renders.
type WorkItem struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Priority string `json:"priority"`
}

// DeadLettersResponse matches internal/http/types.go DeadLettersResponse
type DeadLettersResponse struct {
	DeadLetters []*DeadLetter `json:"dead_letters"`
}

func runBalance(cmd *cobra.Command, args []string) error {
	var bal Balance
	if err := apiGet("/v1/orgs/"+args[0]+"/balance", &bal); err != nil {
		return err
	}
	fmt.Printf("org %s: %d credits available, %d reserved\n", bal.OrgID, bal.Balance, bal.Reserved)
	return nil
}

func runDeposit(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	var bal Balance
	if err := apiPost("/v1/orgs/"+args[0]+"/deposit", map[string]any{"amount": amount}, &bal, ""); err != nil {
		return err
	}
	fmt.Printf("org %s: %d credits available, %d reserved\n", bal.OrgID, bal.Balance, bal.Reserved)
	return nil
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	var resp DeadLettersResponse
	if err := apiGet("/v1/deadletters", &resp); err != nil {
		return err
	}

	if len(resp.DeadLetters) == 0 {
		fmt.Println("no dead letters")
		return nil
	}
	for _, dl := range resp.DeadLetters {
		last := ""
		if len(dl.ErrorHistory) > 0 {
			last = dl.ErrorHistory[len(dl.ErrorHistory)-1]
		}
		fmt.Printf("%s  %s %s  %d attempts  %s\n", dl.Item.ID, dl.Item.Entity, dl.Item.EntityID, dl.Attempts, last)
	}
	return nil
}

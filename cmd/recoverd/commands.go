package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/recoverd/internal/config"
	"github.com/kalambet/recoverd/internal/storage"
)

// --- claims ---

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Review and decide ownership claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims in submission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listClaims(cmd.Context(), client, os.Stdout, status, limit)
	},
}

var claimsApproveCmd = &cobra.Command{
	Use:   "approve <claim-id>",
	Short: "Approve a pending claim; other pending claims on the match are rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		return decideClaim(cmd.Context(), args[0], "approve", note)
	},
}

var claimsRejectCmd = &cobra.Command{
	Use:   "reject <claim-id>",
	Short: "Reject a pending claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			return fmt.Errorf("--note is required when rejecting a claim")
		}
		return decideClaim(cmd.Context(), args[0], "reject", note)
	},
}

var claimsResolveCmd = &cobra.Command{
	Use:   "resolve <claim-id>",
	Short: "Record the handoff of an approved claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideClaim(cmd.Context(), args[0], "resolve", "")
	},
}

func init() {
	claimsListCmd.Flags().String("status", "pending", "filter by status (pending, approved, rejected, resolved; empty for all)")
	claimsListCmd.Flags().Int("limit", 50, "maximum number of claims to list")
	claimsApproveCmd.Flags().String("note", "", "note recorded with the decision")
	claimsRejectCmd.Flags().String("note", "", "reason shown to the claimant (required)")

	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsApproveCmd)
	claimsCmd.AddCommand(claimsRejectCmd)
	claimsCmd.AddCommand(claimsResolveCmd)
}

func listClaims(ctx context.Context, client *apiClient, w io.Writer, status string, limit int) error {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", fmt.Sprint(limit))

	resp, err := client.get(ctx, "/admin/claims?"+q.Encode())
	if err != nil {
		return err
	}
	var claims []storage.Claim
	if err := decodeJSON(resp, &claims); err != nil {
		return err
	}

	if len(claims) == 0 {
		fmt.Fprintln(w, "No claims found.")
		return nil
	}
	for _, c := range claims {
		fmt.Fprintf(w, "%s  %-9s  match %s  by %s  %s\n",
			colorize(colorCyan, shortID(c.ID)),
			colorize(statusColor(string(c.Status)), string(c.Status)),
			shortID(c.MatchID),
			c.ClaimantID,
			c.SubmittedAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}

func decideClaim(ctx context.Context, id, action, note string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	claim, err := postDecision(ctx, client, id, action, note)
	if err != nil {
		return err
	}
	printSuccess("Claim %s is now %s", claim.ID, claim.Status)
	return nil
}

func postDecision(ctx context.Context, client *apiClient, id, action, note string) (storage.Claim, error) {
	var body any
	if note != "" {
		body = map[string]string{"note": note}
	}
	resp, err := client.post(ctx, "/admin/claims/"+url.PathEscape(id)+"/"+action, body)
	if err != nil {
		return storage.Claim{}, err
	}
	var claim storage.Claim
	if err := decodeJSON(resp, &claim); err != nil {
		return storage.Claim{}, err
	}
	return claim, nil
}

// --- matches ---

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "Inspect and archive matches",
}

var matchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List matches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listMatches(cmd.Context(), client, os.Stdout, status, limit)
	},
}

var matchesShowCmd = &cobra.Command{
	Use:   "show <match-id>",
	Short: "Show a match and its claims as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showMatch(cmd.Context(), client, os.Stdout, args[0])
	},
}

var matchesArchiveCmd = &cobra.Command{
	Use:   "archive <match-id>",
	Short: "Archive a match that is waiting for claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/matches/"+url.PathEscape(args[0])+"/archive", nil)
		if err != nil {
			return err
		}
		var m storage.Match
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		printSuccess("Archived match %s", m.ID)
		return nil
	},
}

func init() {
	matchesListCmd.Flags().String("status", "", "filter by status (pending_claim, under_approval, claim_approved, archived)")
	matchesListCmd.Flags().Int("limit", 50, "maximum number of matches to list")

	matchesCmd.AddCommand(matchesListCmd)
	matchesCmd.AddCommand(matchesShowCmd)
	matchesCmd.AddCommand(matchesArchiveCmd)
}

func listMatches(ctx context.Context, client *apiClient, w io.Writer, status string, limit int) error {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", fmt.Sprint(limit))

	resp, err := client.get(ctx, "/admin/matches?"+q.Encode())
	if err != nil {
		return err
	}
	var matches []storage.Match
	if err := decodeJSON(resp, &matches); err != nil {
		return err
	}

	if len(matches) == 0 {
		fmt.Fprintln(w, "No matches found.")
		return nil
	}
	for _, m := range matches {
		fmt.Fprintf(w, "%s  %-14s  score %6.2f  lost %s  found %s\n",
			colorize(colorCyan, shortID(m.ID)),
			colorize(statusColor(string(m.Status)), string(m.Status)),
			m.Score,
			shortID(m.LostItemID),
			shortID(m.FoundItemID),
		)
	}
	return nil
}

func showMatch(ctx context.Context, client *apiClient, w io.Writer, id string) error {
	resp, err := client.get(ctx, "/admin/matches/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var detail any
	if err := decodeJSON(resp, &detail); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
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

		for _, k := range config.ShowAll(cfg) {
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

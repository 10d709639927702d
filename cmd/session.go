package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage attendance sessions and their cohorts",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or update a session",
	Long: `Create an attendance session, or rename/reactivate an existing one.

Examples:
  rollcall session create --id math-101-2024-10-18 --name "Math 101, Friday"
  rollcall session create --id math-101-2024-10-18 --inactive`,
	Args: cobra.NoArgs,
	RunE: runSessionCreate,
}

var sessionAddMembersCmd = &cobra.Command{
	Use:   "add-members <identity-id>...",
	Short: "Add identities to a session cohort",
	Long: `Add identities to the cohort of a session. Recognition requests for the
session only match against its cohort. Existing members are ignored.

Examples:
  rollcall session add-members --id math-101-2024-10-18 2024-0117 2024-0118`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessionAddMembers,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cohort of a session",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd, sessionAddMembersCmd, sessionShowCmd)

	sessionCreateCmd.Flags().String("id", "", "Session ID (required)")
	sessionCreateCmd.Flags().String("name", "", "Session name")
	sessionCreateCmd.Flags().Bool("inactive", false, "Mark the session inactive")
	_ = sessionCreateCmd.MarkFlagRequired("id")

	sessionAddMembersCmd.Flags().String("id", "", "Session ID (required)")
	_ = sessionAddMembersCmd.MarkFlagRequired("id")

	sessionShowCmd.Flags().String("id", "", "Session ID (required)")
	sessionShowCmd.Flags().Bool("json", false, "Output as JSON")
	_ = sessionShowCmd.MarkFlagRequired("id")
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(mustGetString(cmd, "id"))
	name := mustGetString(cmd, "name")
	status := database.StatusActive
	if mustGetBool(cmd, "inactive") {
		status = database.StatusInactive
	}
	if id == "" {
		return errors.New("--id must not be empty")
	}

	ctx := context.Background()
	store, err := openStore(ctx, config.Load())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertSession(ctx, database.Session{ID: id, Name: name, Status: status}); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	fmt.Printf("Session %s saved (%s)\n", id, status)
	return nil
}

func runSessionAddMembers(cmd *cobra.Command, args []string) error {
	id := mustGetString(cmd, "id")

	ctx := context.Background()
	store, err := openStore(ctx, config.Load())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.AddSessionMembers(ctx, id, args); err != nil {
		return fmt.Errorf("adding members: %w", err)
	}
	fmt.Printf("Added %d member(s) to %s\n", len(args), id)
	fmt.Println("Running servers pick up the change when their cohort cache expires (COHORT_CACHE_TTL).")
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	id := mustGetString(cmd, "id")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	store, err := openStore(ctx, config.Load())
	if err != nil {
		return err
	}
	defer store.Close()

	members, err := store.SessionCohort(ctx, id)
	if err != nil {
		return fmt.Errorf("reading cohort: %w", err)
	}
	if jsonOutput {
		return outputJSON(map[string]any{"session_id": id, "members": members})
	}
	fmt.Printf("Session %s: %d member(s)\n", id, len(members))
	for _, m := range members {
		fmt.Printf("  %s\n", m)
	}
	return nil
}

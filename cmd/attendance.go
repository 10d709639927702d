package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/spf13/cobra"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Inspect recorded attendance",
}

var attendanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attendance recorded for a session",
	Long: `List attendance rows of a session ordered by first sighting.

Confidence is the highest confidence observed for the attendee, as a percentage.

Examples:
  rollcall attendance list --session math-101-2024-10-18
  rollcall attendance list --session math-101-2024-10-18 --json`,
	Args: cobra.NoArgs,
	RunE: runAttendanceList,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)
	attendanceCmd.AddCommand(attendanceListCmd)

	attendanceListCmd.Flags().String("session", "", "Session ID (required)")
	attendanceListCmd.Flags().Bool("json", false, "Output as JSON")
	_ = attendanceListCmd.MarkFlagRequired("session")
}

func runAttendanceList(cmd *cobra.Command, args []string) error {
	sessionID := mustGetString(cmd, "session")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	store, err := openStore(ctx, config.Load())
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.ListAttendance(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing attendance: %w", err)
	}
	if jsonOutput {
		return outputJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Printf("No attendance recorded for %s\n", sessionID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tCONFIDENCE\tSTATUS\tFIRST SEEN\tLAST SEEN")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%.2f%%\t%s\t%s\t%s\n",
			r.IdentityID, r.Confidence, r.Status,
			r.FirstSeenAt.Local().Format("15:04:05"), r.RecordedAt.Local().Format("15:04:05"))
	}
	w.Flush()
	fmt.Printf("\n%d attendee(s)\n", len(rows))
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/quality"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <image>",
	Short: "Show how every face in a photo would be decided",
	Long: `Run the decision pipeline on every face detected in a photo without recording
attendance. Unlike the recognition API, photos with several faces are accepted;
each face is decided on its own. Useful for tuning thresholds and checking
enrollment quality.

Examples:
  rollcall match group.jpg
  rollcall match probe.jpg --session math-101-2024-10-18 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("session", "", "Scope candidates to a session cohort")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

// FaceMatch is the decision for one detected face.
type FaceMatch struct {
	FaceIndex int            `json:"face_index"`
	BBox      [4]float64     `json:"bbox"`
	DetScore  float64        `json:"det_score"`
	Quality   policy.Quality `json:"quality"`
	Verdict   policy.Verdict `json:"verdict"`
}

func runMatch(cmd *cobra.Command, args []string) error {
	sessionID := mustGetString(cmd, "session")
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	dims, err := extractor.ProbeDimensions(data)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cfg := config.Load()
	rt, err := buildRuntime(ctx, cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer rt.Close()

	faces, err := extractor.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout).Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("extracting faces: %w", err)
	}

	results := make([]FaceMatch, 0, len(faces))
	for i, f := range faces {
		q := quality.Measure(f.BBox, dims.Width, dims.Height)
		v, err := rt.service.RecognizeEmbedding(ctx, recognition.EmbeddingRequest{
			Embedding: f.Embedding,
			Quality:   q,
			SessionID: sessionID,
			DryRun:    true,
		})
		if err != nil {
			return fmt.Errorf("deciding face %d: %w", i, err)
		}
		results = append(results, FaceMatch{FaceIndex: i, BBox: f.BBox, DetScore: f.DetScore, Quality: q, Verdict: v})
	}

	if jsonOutput {
		return outputJSON(results)
	}
	fmt.Printf("%s: %dx%d %s, %d face(s)\n", args[0], dims.Width, dims.Height, dims.Format, len(faces))
	for _, r := range results {
		fmt.Printf("\nFace %d  bbox=[%.0f %.0f %.0f %.0f]  ratio=%.3f  offset=%.2f\n",
			r.FaceIndex, r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3], r.Quality.FaceRatio, r.Quality.CenterOffset)
		if r.Verdict.Recognized {
			fmt.Printf("  Recognized %s (%s), confidence %.2f [%s]\n",
				r.Verdict.DisplayName, r.Verdict.IdentityID, r.Verdict.Confidence, r.Verdict.Band)
		} else {
			fmt.Printf("  Not recognized: %s\n", r.Verdict.Reason)
		}
		for _, m := range r.Verdict.TopMatches {
			fmt.Printf("    %-24s distance=%.4f confidence=%.2f\n", m.DisplayName, m.Distance, m.Confidence)
		}
		for _, w := range r.Verdict.Warnings {
			fmt.Printf("  Warning: %s\n", w)
		}
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var enrollDirCmd = &cobra.Command{
	Use:   "enroll-dir <dir>",
	Short: "Enroll every identity found in a directory tree",
	Long: `Enroll identities from a directory laid out as <dir>/<identity-id>/<photo>.

Each subdirectory is one identity. Its display name is read from name.txt when
present, otherwise the directory name is used. Photos with no face or more than
one face are skipped and reported.

Examples:
  # Enroll a whole class with default concurrency
  rollcall enroll-dir ./photos/class-2024

  # Limit concurrent extractor calls
  rollcall enroll-dir ./photos/class-2024 --concurrency 2`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollDir,
}

func init() {
	rootCmd.AddCommand(enrollDirCmd)

	enrollDirCmd.Flags().Int("concurrency", 4, "Number of parallel extractor calls")
	enrollDirCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

var enrollImageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"}

// enrollJob is one identity directory.
type enrollJob struct {
	id     string
	name   string
	images []string
}

// EnrollDirResult summarizes a directory enrollment.
type EnrollDirResult struct {
	Identities    int           `json:"identities"`
	Embeddings    int           `json:"embeddings"`
	Failed        []string      `json:"failed,omitempty"`
	Rejected      []ImageReject `json:"rejected,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
	DurationHuman string        `json:"duration_human,omitempty"`
}

// scanEnrollDir lists identity directories and their photos, sorted by identity ID.
func scanEnrollDir(root string) ([]enrollJob, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var jobs []enrollJob
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}

		job := enrollJob{id: entry.Name(), name: entry.Name()}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if f.Name() == "name.txt" {
				data, err := os.ReadFile(filepath.Join(dir, f.Name()))
				if err != nil {
					return nil, fmt.Errorf("reading display name of %s: %w", job.id, err)
				}
				if name := strings.TrimSpace(string(data)); name != "" {
					job.name = name
				}
				continue
			}
			if slices.Contains(enrollImageExts, strings.ToLower(filepath.Ext(f.Name()))) {
				job.images = append(job.images, filepath.Join(dir, f.Name()))
			}
		}
		if len(job.images) > 0 {
			jobs = append(jobs, job)
		}
	}
	slices.SortFunc(jobs, func(a, b enrollJob) int { return strings.Compare(a.id, b.id) })
	return jobs, nil
}

func runEnrollDir(cmd *cobra.Command, args []string) error {
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)
	jsonOutput := mustGetBool(cmd, "json")
	startTime := time.Now()

	jobs, err := scanEnrollDir(args[0])
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No identity directories with photos found.")
		return nil
	}
	totalImages := 0
	for _, j := range jobs {
		totalImages += len(j.images)
	}

	ctx := context.Background()
	cfg := config.Load()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	client := extractor.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)

	if !jsonOutput {
		fmt.Printf("Found %d identities with %d photos\n\n", len(jobs), totalImages)
	}
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(totalImages,
			progressbar.OptionSetDescription("Enrolling"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	var (
		mu     sync.Mutex
		result EnrollDirResult
	)
	// One task per identity: its photos are extracted in sequence and the identity is written once.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			embeddings := make([]database.StoredEmbedding, 0, len(job.images))
			for _, path := range job.images {
				emb, err := embedImage(gctx, client, path, cfg.Request.MaxImageBytes)
				if bar != nil {
					bar.Add(1)
				}
				if err != nil {
					mu.Lock()
					result.Rejected = append(result.Rejected, ImageReject{Path: path, Reason: err.Error()})
					mu.Unlock()
					continue
				}
				embeddings = append(embeddings, emb)
			}

			err := enrollIdentity(gctx, store, job, embeddings)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("enrolling identity failed", zap.String("identity_id", job.id), zap.Error(err))
				result.Failed = append(result.Failed, job.id)
				return nil
			}
			result.Identities++
			result.Embeddings += len(embeddings)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if bar != nil {
		fmt.Println()
	}
	if result.Identities > 0 {
		purgeIdentityCache(ctx, cfg)
	}

	slices.Sort(result.Failed)
	slices.SortFunc(result.Rejected, func(a, b ImageReject) int { return strings.Compare(a.Path, b.Path) })
	duration := time.Since(startTime)
	result.DurationMs = duration.Milliseconds()

	if jsonOutput {
		return outputJSON(result)
	}

	result.DurationHuman = formatDuration(duration)
	fmt.Println("\nEnrollment complete!")
	fmt.Printf("  Identities: %d\n", result.Identities)
	fmt.Printf("  Embeddings: %d\n", result.Embeddings)
	if len(result.Failed) > 0 {
		fmt.Printf("  Failed:     %s\n", strings.Join(result.Failed, ", "))
	}
	for _, r := range result.Rejected {
		fmt.Printf("  Skipped %s: %s\n", r.Path, r.Reason)
	}
	fmt.Printf("  Duration:   %s\n", result.DurationHuman)
	return nil
}

func enrollIdentity(ctx context.Context, store database.IdentityWriter, job enrollJob, embeddings []database.StoredEmbedding) error {
	if len(embeddings) == 0 {
		return fmt.Errorf("no usable face in %d photo(s)", len(job.images))
	}
	if err := store.UpsertIdentity(ctx, database.StoredIdentity{
		ID:          job.id,
		DisplayName: job.name,
		Status:      database.StatusActive,
		EnrolledAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	if err := store.AddEmbeddings(ctx, job.id, embeddings); err != nil {
		return fmt.Errorf("saving embeddings: %w", err)
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kozaktomas/rollcall/internal/cache"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <image>...",
	Short: "Enroll an identity from one or more face photos",
	Long: `Enroll an identity, or add photos to an existing one.

Every image must contain exactly one face. One embedding is stored per image;
several photos taken under different conditions improve recognition.

Examples:
  # Enroll a student with two photos
  rollcall enroll --id 2024-0117 --name "Jana Nováková" --ref 2024/0117 front.jpg side.jpg

  # Add another photo to an existing identity
  rollcall enroll --id 2024-0117 glasses.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("id", "", "Identity ID (required)")
	enrollCmd.Flags().String("name", "", "Display name (defaults to the ID for new identities)")
	enrollCmd.Flags().String("ref", "", "External reference such as a registration number")
	enrollCmd.Flags().Bool("json", false, "Output as JSON")
	_ = enrollCmd.MarkFlagRequired("id")
}

// EnrollResult summarizes an enrollment.
type EnrollResult struct {
	IdentityID string        `json:"identity_id"`
	Enrolled   int           `json:"enrolled"`
	Rejected   []ImageReject `json:"rejected,omitempty"`
}

// ImageReject explains why an image was not enrolled.
type ImageReject struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func runEnroll(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(mustGetString(cmd, "id"))
	name := strings.TrimSpace(mustGetString(cmd, "name"))
	ref := mustGetString(cmd, "ref")
	jsonOutput := mustGetBool(cmd, "json")
	if id == "" {
		return errors.New("--id must not be empty")
	}
	if name == "" {
		name = id
	}

	ctx := context.Background()
	cfg := config.Load()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client := extractor.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)
	result := EnrollResult{IdentityID: id}
	var embeddings []database.StoredEmbedding
	for _, path := range args {
		emb, err := embedImage(ctx, client, path, cfg.Request.MaxImageBytes)
		if err != nil {
			result.Rejected = append(result.Rejected, ImageReject{Path: path, Reason: err.Error()})
			continue
		}
		embeddings = append(embeddings, emb)
	}
	if len(embeddings) == 0 {
		if jsonOutput {
			_ = outputJSON(result)
		}
		return fmt.Errorf("no usable face found in %d image(s)", len(args))
	}

	if err := store.UpsertIdentity(ctx, database.StoredIdentity{
		ID:          id,
		DisplayName: name,
		ExternalRef: ref,
		Status:      database.StatusActive,
		EnrolledAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	if err := store.AddEmbeddings(ctx, id, embeddings); err != nil {
		return fmt.Errorf("saving embeddings: %w", err)
	}
	result.Enrolled = len(embeddings)
	purgeIdentityCache(ctx, cfg)

	if jsonOutput {
		return outputJSON(result)
	}
	fmt.Printf("Enrolled %d embedding(s) for %s (%s)\n", result.Enrolled, id, name)
	for _, r := range result.Rejected {
		fmt.Printf("  Skipped %s: %s\n", r.Path, r.Reason)
	}
	return nil
}

// embedImage extracts the single face embedding of an enrollment photo.
func embedImage(ctx context.Context, client *extractor.Client, path string, maxBytes int) (database.StoredEmbedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return database.StoredEmbedding{}, fmt.Errorf("reading image: %w", err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return database.StoredEmbedding{}, fmt.Errorf("image is %d bytes, limit is %d", len(data), maxBytes)
	}
	if _, err := extractor.ProbeDimensions(data); err != nil {
		return database.StoredEmbedding{}, err
	}

	res, err := client.ExtractWithModel(ctx, data)
	if err != nil {
		return database.StoredEmbedding{}, err
	}
	face, reason := recognition.SingleFace(res.Faces)
	if reason != "" {
		return database.StoredEmbedding{}, errors.New(string(reason))
	}
	return database.StoredEmbedding{
		Embedding: []float32(face.Embedding),
		Model:     res.Model,
		Dim:       face.Embedding.Dim(),
	}, nil
}

// purgeIdentityCache drops the shared Redis copy of the identity set so running servers pick
// up the change on their next reload.
func purgeIdentityCache(ctx context.Context, cfg *config.Config) {
	client, err := cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("could not purge identity cache", zap.Error(err))
		return
	}
	if client == nil {
		return
	}
	defer client.Close()

	src := cache.NewIdentitySource(nil, client, cfg.Cache.RedisKey, cfg.Cache.RedisTTL, logger)
	if err := src.Purge(ctx); err != nil {
		logger.Warn("could not purge identity cache", zap.Error(err))
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/imaginario/searchd/internal/config"
	"github.com/imaginario/searchd/internal/storage"
)

var sampleDocuments = []struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}{
	{"Getting Started with Go", "An introduction to the Go programming language, covering syntax, tooling, and modules."},
	{"Concurrency Patterns", "Goroutines, channels, and worker pools for building concurrent programs."},
	{"SQLite in Production", "Notes on WAL mode, busy timeouts, and single-writer access patterns."},
	{"Kitten Care Guide", "Feeding schedules, litter training, and health checks for young cats."},
	{"Dog Training Basics", "House training, recall, and socialization for new puppies."},
	{"Circuit Breakers Explained", "How failure thresholds and recovery timeouts protect downstream dependencies."},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load documents into the corpus directly",
	Long: `Load documents into the corpus directly, bypassing the HTTP API.

Run against a stopped server. Without --file a small builtin sample set is
loaded.

Examples:
  searchd seed
  searchd seed --file corpus.json --user alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = cliUser()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		docs := sampleDocuments
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			docs = nil
			if err := json.Unmarshal(data, &docs); err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}
		}

		for _, d := range docs {
			if d.Title == "" {
				printWarning("skipping document with empty title")
				continue
			}
			doc := storage.Document{
				ID:          uuid.New().String(),
				UserID:      user,
				Title:       d.Title,
				Description: d.Description,
			}
			if err := store.SaveDocument(doc); err != nil {
				return fmt.Errorf("saving %q: %w", d.Title, err)
			}
			printStep("Loaded %q", d.Title)
		}

		printSuccess("Seeded %d documents for user %s", len(docs), user)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "JSON file with [{title, description}] entries")
	seedCmd.Flags().String("user", "", "owner of the seeded documents (default: $SEARCHD_USER or \"local\")")
}

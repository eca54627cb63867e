// Command e2e_test runs a live smoke test of the full pipeline against
// a local Ollama instance: ingest a document, ask a question, print the
// answer and its cited sources.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anavarre/strata"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <document> <question>\n", os.Args[0])
		os.Exit(1)
	}
	docPath := os.Args[1]
	question := os.Args[2]

	tmpDir, err := os.MkdirTemp("", "strata-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	cfg := strata.DefaultConfig()
	cfg.DBPath = tmpDir + "/e2e.db"
	if v := os.Getenv("STRATA_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("STRATA_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	engine, err := strata.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n=== INGESTING %s ===\n", docPath)
	doc, err := engine.Ingest(ctx, docPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Ingested doc_id=%s sections=%d chunks=%d structure=%s\n",
		doc.ID, doc.SectionCount, doc.ChunkCount, doc.Structure)

	fmt.Fprintf(os.Stderr, "\n=== ASKING: %s ===\n", question)
	answer, err := engine.Ask(ctx, question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== ANSWER (confidence %.2f, strategy %s) ===\n%s\n",
		answer.Confidence, answer.Strategy, answer.Text)

	out, _ := json.MarshalIndent(answer.Sources, "", "  ")
	fmt.Println(string(out))
}

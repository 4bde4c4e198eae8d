// Command vecsyncd is the composition root for a local/embedded
// deployment: it wires a row store, an embedding client, the search
// engine, the persistence layer, metrics, and the sync orchestrator
// together, then serves a minimal line-oriented query loop over stdin
// until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kestrelnotes/vecsync/pkg/embedding"
	"github.com/kestrelnotes/vecsync/pkg/envutil"
	"github.com/kestrelnotes/vecsync/pkg/graphstore"
	"github.com/kestrelnotes/vecsync/pkg/metrics"
	"github.com/kestrelnotes/vecsync/pkg/orchestrator"
	"github.com/kestrelnotes/vecsync/pkg/persistence"
	"github.com/kestrelnotes/vecsync/pkg/rowstore"
	"github.com/kestrelnotes/vecsync/pkg/searchengine"
)

// queryEmbedAdapter satisfies searchengine.EmbeddingClient (single text in,
// one vector out) in terms of embedding.Client (batch texts in, batch
// vectors out) — the two packages deliberately have different contracts,
// so the composition root is where they meet.
type queryEmbedAdapter struct {
	client embedding.Client
}

func (a queryEmbedAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := a.client.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.At(0), nil
}

func main() {
	dataDir := flag.String("data-dir", envutil.Get("VECSYNC_DATA_DIR", "./vecsync-data"), "directory for graph snapshots")
	checkpointDir := flag.String("checkpoint-dir", envutil.Get("VECSYNC_CHECKPOINT_DIR", ""), "directory for orchestrator checkpoint (disabled if empty)")
	dim := flag.Int("dim", envutil.GetInt("VECSYNC_DIM", 1536), "embedding vector dimension")
	embeddingBaseURL := flag.String("embedding-base-url", envutil.Get("VECSYNC_EMBEDDING_BASE_URL", "https://api.openai.com"), "OpenAI-compatible embeddings endpoint base URL")
	embeddingModel := flag.String("embedding-model", envutil.Get("VECSYNC_EMBEDDING_MODEL", "text-embedding-3-small"), "embedding model name")
	flag.Parse()

	apiKey := os.Getenv("VECSYNC_EMBEDDING_API_KEY")
	if apiKey == "" {
		log.Fatal("vecsyncd: VECSYNC_EMBEDDING_API_KEY is required")
	}

	embedCfg := embedding.DefaultConfig()
	embedCfg.BaseURL = *embeddingBaseURL
	embedCfg.APIKey = apiKey
	embedCfg.Model = *embeddingModel
	embedClient, err := embedding.NewOpenAIClient(embedCfg)
	if err != nil {
		log.Fatalf("vecsyncd: embedding client: %v", err)
	}

	metric := metrics.New()

	searchCfg := searchengine.ConfigFromEnv()
	engine, err := searchengine.New(*dim, searchCfg, queryEmbedAdapter{client: embedClient}, metric)
	if err != nil {
		log.Fatalf("vecsyncd: search engine: %v", err)
	}

	blobs, err := graphstore.New(*dataDir)
	if err != nil {
		log.Fatalf("vecsyncd: graph store: %v", err)
	}
	pers := persistence.New(blobs)

	var ckpt *orchestrator.Checkpoint
	if *checkpointDir != "" {
		ckpt, err = orchestrator.OpenCheckpoint(*checkpointDir)
		if err != nil {
			log.Fatalf("vecsyncd: checkpoint: %v", err)
		}
	}

	store := rowstore.NewMemoryStore()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Model = *embeddingModel
	orch := orchestrator.New(engine, pers, store, embedClient, orchCfg, metric, ckpt)

	ctx := context.Background()
	if err := embedClient.Ready(ctx); err != nil {
		log.Printf("vecsyncd: embedding model not ready yet: %v", err)
	}
	if err := orch.Initialize(ctx); err != nil {
		log.Fatalf("vecsyncd: initialize: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go runQueryLoop(ctx, orch)

	<-shutdown
	log.Print("vecsyncd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("vecsyncd: shutdown: %v", err)
	}
}

// runQueryLoop reads "search <query>" lines from stdin and prints ranked
// results — a minimal stand-in for whatever RPC surface a host application
// would layer on top of the control surface.
func runQueryLoop(ctx context.Context, orch *orchestrator.Orchestrator) {
	fmt.Println("vecsyncd ready. Commands: search <text>, status, rebuild, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "quit":
			return
		case line == "status":
			printStatus(orch)
		case line == "rebuild":
			if err := orch.ForceFullRebuild(ctx); err != nil {
				fmt.Printf("rebuild failed: %v\n", err)
			}
		case strings.HasPrefix(line, "search "):
			runSearch(ctx, orch, strings.TrimPrefix(line, "search "))
		default:
			fmt.Println("unrecognized command")
		}
	}
}

func runSearch(ctx context.Context, orch *orchestrator.Orchestrator, query string) {
	results, err := orch.Search(ctx, query, 10)
	if err != nil {
		fmt.Printf("search failed: %v\n", err)
		return
	}
	for _, r := range results {
		fmt.Printf("%.4f  %s  %s\n", r.Score, r.Key, r.Meta.Title)
	}
}

func printStatus(orch *orchestrator.Orchestrator) {
	s := orch.GetStatus()
	fmt.Printf("state=%s known=%d pending=%d indexSize=%d tombstoneRatio=%.4f lastProcessed=%s\n",
		s.State, s.KnownEmbeddingCount, s.PendingChangeCount, s.IndexSize, s.TombstoneRatio, s.LastProcessedAt.Format(time.RFC3339))
}

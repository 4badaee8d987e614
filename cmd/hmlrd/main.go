// Command hmlrd is the HMLR core's process surface (§6): a console
// read-eval-print loop over Engine.RunTurn, plus the maintenance
// subcommands named in SPEC_FULL.md §11 (cold-storage archive). It wires
// every collaborator exactly once at startup, following this codebase's
// initialize.go-style constructor-chain convention, rather than
// constructing them lazily scattered across the request path.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sv-dev/hmlr/internal/archive"
	"github.com/sv-dev/hmlr/internal/bridgeledger"
	"github.com/sv-dev/hmlr/internal/chunker"
	"github.com/sv-dev/hmlr/internal/contexthydrator"
	"github.com/sv-dev/hmlr/internal/dossierrouter"
	"github.com/sv-dev/hmlr/internal/embedding"
	"github.com/sv-dev/hmlr/internal/engine"
	"github.com/sv-dev/hmlr/internal/factextractor"
	"github.com/sv-dev/hmlr/internal/gardener"
	"github.com/sv-dev/hmlr/internal/governor"
	"github.com/sv-dev/hmlr/internal/govcache"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/idgen"
	"github.com/sv-dev/hmlr/internal/llm/providers"
	"github.com/sv-dev/hmlr/internal/otelinit"
	"github.com/sv-dev/hmlr/internal/profilestore"
	"github.com/sv-dev/hmlr/internal/provenancesink"
	"github.com/sv-dev/hmlr/internal/slidingwindow"
	"github.com/sv-dev/hmlr/internal/store"
	"github.com/sv-dev/hmlr/internal/vectorindex"
)

const gardenerConsumerGroup = "hmlr-gardener"

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay path")
	archiveCmd := flag.Bool("archive", false, "run the cold-storage archive maintenance pass and exit")
	flag.Parse()

	cfg, err := hmlrconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	hmlrlog.Init(cfg.LogPath, cfg.LogLevel)
	log := hmlrlog.FromContext(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelinit.Init(ctx, "hmlrd", cfg.OtelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize OpenTelemetry providers")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown did not complete cleanly")
		}
	}()

	kv, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize KV store")
	}
	defer kv.Close()

	writeEmbedder := embedding.New(cfg.Embedding, cfg.Vector.WriteModel, cfg.Vector.WriteModelDims)
	readEmbedder := writeEmbedder
	if cfg.Vector.SameDims() {
		readEmbedder = embedding.New(cfg.Embedding, cfg.Vector.ReadModel, cfg.Vector.ReadModelDims)
	}

	vi, err := buildVectorIndex(cfg.Vector, kv, readEmbedder)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vector index")
	}

	provider, err := providers.Build(ctx, cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize LLM provider")
	}

	if *archiveCmd {
		runArchive(ctx, kv, cfg.Archive)
		return
	}

	provenance, err := provenancesink.New(ctx, cfg.Provenance)
	if err != nil {
		log.Warn().Err(err).Msg("provenance sink unavailable; dossier provenance analytics mirror disabled")
		provenance = nil
	}
	defer provenance.Close()

	govCache, err := govcache.New(cfg.Cache)
	if err != nil {
		log.Warn().Err(err).Msg("governor cache unavailable; proceeding without Redis cache")
		govCache = nil
	}
	defer govCache.Close()

	router := dossierrouter.New(kv, vi, writeEmbedder, provider, cfg.LLM.NanoModel, cfg.Dossier).WithProvenanceSink(provenance)
	gov := governor.New(kv, vi, router, provider, cfg.LLM.NanoModel, cfg.Governor).WithCache(govCache)
	ledger := bridgeledger.New(kv, provider, cfg.LLM.NanoModel)
	hydrator := contexthydrator.New(kv)
	extractor := factextractor.New(kv, provider, cfg.LLM.NanoModel)
	gd := gardener.New(kv, router, writeEmbedder, provider, cfg.LLM.NanoModel)

	queue := buildGardenQueue(cfg.Gardener)
	ledger.SetGardenQueue(queue)
	go gd.RunQueue(ctx, queue)
	go pollGardenBackstop(ctx, gd)

	profile := profilestore.New(cfg.ProfilePath)
	scribe := profilestore.NewScribe(profile, kv)

	eng := engine.New(kv, chunker.New(), extractor, gov, ledger, hydrator, writeEmbedder, provider, cfg.LLM.MainModel, profile, scribe)

	sess, window := loadSession(cfg)

	repl(ctx, eng, sess, window, cfg)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := scribe.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("scribe drain did not complete within T_drain")
	}
	if err := queue.Close(); err != nil {
		log.Warn().Err(err).Msg("garden queue close failed")
	}
}

func buildStore(ctx context.Context, cfg hmlrconfig.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		return store.NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

func buildVectorIndex(cfg hmlrconfig.VectorConfig, kv store.KV, readEmbedder embedding.Embedder) (vectorindex.VectorIndex, error) {
	switch cfg.Backend {
	case "", "kv":
		return vectorindex.New(kv, readEmbedder), nil
	case "qdrant":
		return vectorindex.NewQdrant(cfg.QdrantDSN, cfg.QdrantCollection, readEmbedder)
	default:
		return nil, fmt.Errorf("unsupported vector index backend: %s", cfg.Backend)
	}
}

func buildGardenQueue(cfg hmlrconfig.GardenerConfig) gardener.Queue {
	if cfg.QueueBackend == "kafka" {
		return gardener.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, gardenerConsumerGroup)
	}
	return gardener.NewChanQueue(64)
}

// pollGardenBackstop sweeps ListPendingGardeningBlocks on an interval,
// catching anything the push queue missed (a dropped enqueue, a restart
// between enqueue and consume). The queue is the fast path; this is the
// correctness backstop.
func pollGardenBackstop(ctx context.Context, gd *gardener.Gardener) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := gd.GardenPending(ctx); err != nil {
				hmlrlog.FromContext(ctx).Warn().Err(err).Msg("garden backstop poll failed")
			} else if n > 0 {
				hmlrlog.FromContext(ctx).Info().Int("count", n).Msg("garden backstop poll promoted blocks")
			}
		}
	}
}

func runArchive(ctx context.Context, kv store.KV, cfg hmlrconfig.ArchiveConfig) {
	log := hmlrlog.FromContext(ctx)
	if !cfg.Enabled {
		log.Info().Msg("archive: disabled in config, nothing to do")
		return
	}
	exporter, err := archive.NewS3Exporter(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("archive: failed to initialize S3 exporter")
	}
	n, err := exporter.ExportClosedBlocks(ctx, kv, cfg.RetentionWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("archive: export failed")
	}
	log.Info().Int("count", n).Msg("archive: exported closed blocks to cold storage")
}

// loadSession restores the sliding-window file into a fresh in-memory
// Session: CurrentDay/NextSequence resume from the most recent cached turn
// so a restarted process doesn't duplicate turn_sequence numbers or
// silently start a new day mid-conversation. A missing or empty window
// starts a brand-new session.
func loadSession(cfg hmlrconfig.Config) (*hmlrmodels.Session, slidingwindow.Document) {
	log := hmlrlog.FromContext(context.Background())
	doc, err := slidingwindow.Load(cfg.WindowStatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("sliding window state is corrupt; refusing to guess, fix or remove the file")
	}
	sess := &hmlrmodels.Session{SessionID: idgen.NewUUID("session")}
	if len(doc.Turns) > 0 {
		last := doc.Turns[len(doc.Turns)-1]
		sess.CurrentDay = last.DayID
		sess.NextSequence = last.TurnSequence
	}
	return sess, doc
}

const maxWindowTurns = 20

func repl(ctx context.Context, eng *engine.Engine, sess *hmlrmodels.Session, window slidingwindow.Document, cfg hmlrconfig.Config) {
	log := hmlrlog.FromContext(ctx)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Println("hmlr ready. Type 'exit' or 'quit' to leave.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			break
		}
		if ctx.Err() != nil {
			break
		}

		res := eng.RunTurn(ctx, sess, line)
		fmt.Println(res.Response)
		if res.Status != engine.StatusSuccess {
			continue
		}

		window = slidingwindow.Push(window, hmlrmodels.Turn{
			TurnID:            res.TurnID,
			SessionID:         sess.SessionID,
			DayID:             sess.CurrentDay,
			BlockID:           res.BlockID,
			TurnSequence:      sess.NextSequence,
			Timestamp:         time.Now(),
			UserMessage:       line,
			AssistantResponse: res.Response,
		}, maxWindowTurns)
		if err := slidingwindow.Save(cfg.WindowStatePath, window); err != nil {
			log.Warn().Err(err).Msg("failed to persist sliding window state")
		}
	}
}

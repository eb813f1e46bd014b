// Command engram is the operational CLI for the Engram memory store: bulk
// export/import, clustering passes, and category maintenance for a single
// tenant.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/memory"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	tenant     = flag.String("tenant", "", "Tenant name (overrides config default)")

	exportPath  = flag.String("export", "", "Export all categories to a JSON file and exit")
	importPath  = flag.String("import", "", "Import categories from a JSON file and exit")
	noReplace   = flag.Bool("no-replace", false, "Merge imported memories instead of wiping first")
	noEmbedding = flag.Bool("no-embeddings", false, "Omit embeddings from the export")

	clusterCat  = flag.String("cluster", "", "Run a clustering pass over the given category and exit")
	epsilon     = flag.Float64("epsilon", 0.3, "Clustering neighborhood distance radius")
	minSamples  = flag.Int("min-samples", 2, "Clustering density threshold")
	clusterNovl = flag.Bool("novel", false, "Restrict clustering to novel memories")

	wipeCat  = flag.String("wipe", "", "Wipe the given category and exit")
	wipeAll  = flag.Bool("wipe-all", false, "Wipe every category and exit")
	countCat = flag.String("count", "", "Print the memory count of the given category and exit")
	listCats = flag.Bool("categories", false, "List all categories and exit")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to build embedding provider: %v", err)
	}

	factory, err := memory.NewFactory(memory.FactoryConfig{
		Backend:  memory.BackendKind(cfg.Storage.Backend),
		DataPath: cfg.Storage.DataPath,
		DSN:      cfg.Storage.PostgresDSN,
		Provider: provider,
	})
	if err != nil {
		log.Fatalf("Failed to build store factory: %v", err)
	}
	defer func() { _ = factory.Close() }()

	tenantName := cfg.User.DefaultTenant
	if *tenant != "" {
		tenantName = *tenant
	}

	store, err := factory.StoreFor(tenantName)
	if err != nil {
		log.Fatalf("Failed to open store for tenant %q: %v", tenantName, err)
	}

	ctx := context.Background()
	if err := run(ctx, store); err != nil {
		log.Fatalf("%v", err)
	}
}

// run dispatches exactly one command mode.
func run(ctx context.Context, store *memory.Store) error {
	switch {
	case *exportPath != "":
		exchange := memory.NewExchange(store)
		if err := exchange.ExportToFile(ctx, *exportPath, !*noEmbedding); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("Exported to %s\n", *exportPath)

	case *importPath != "":
		exchange := memory.NewExchange(store)
		if err := exchange.ImportFromFile(ctx, *importPath, !*noReplace); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("Imported from %s\n", *importPath)

	case *clusterCat != "":
		clusterer := memory.NewClusterer(store)
		clusters, err := clusterer.Cluster(ctx, *clusterCat, memory.ClusterOptions{
			Epsilon:    float32(*epsilon),
			MinSamples: *minSamples,
			Novel:      *clusterNovl,
		})
		if err != nil {
			return fmt.Errorf("clustering failed: %w", err)
		}
		fmt.Printf("Found %d clusters in %s\n", clusters, *clusterCat)

	case *wipeCat != "":
		if err := store.WipeCategory(ctx, *wipeCat); err != nil {
			return fmt.Errorf("wipe failed: %w", err)
		}
		fmt.Printf("Wiped category %s\n", *wipeCat)

	case *wipeAll:
		if err := store.WipeAll(ctx); err != nil {
			return fmt.Errorf("wipe failed: %w", err)
		}
		fmt.Println("Wiped all categories")

	case *countCat != "":
		n, err := store.Count(ctx, *countCat, false)
		if err != nil {
			return fmt.Errorf("count failed: %w", err)
		}
		fmt.Println(n)

	case *listCats:
		categories, err := store.Categories(ctx)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		for _, c := range categories {
			fmt.Println(c)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
	return nil
}

// loadConfig loads env-based configuration, overlays the YAML file when
// given, and overlays persisted user settings.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	settings, err := config.OpenSettings(cfg.Storage.DataPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = settings.Close() }()

	if err := cfg.ApplySettings(settings); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildProvider constructs the configured embedding provider.
func buildProvider(cfg *config.Config) (embeddings.Provider, error) {
	switch cfg.Embeddings.Provider {
	case "onnx":
		if cfg.Embeddings.ModelURL != "" && !embeddings.ModelCached(cfg.Embeddings.ModelDir) {
			log.Printf("Downloading embedding model to %s", cfg.Embeddings.ModelDir)
			if err := embeddings.DownloadModel(context.Background(), cfg.Embeddings.ModelURL, cfg.Embeddings.ModelDir); err != nil {
				return nil, err
			}
		}
		return embeddings.NewONNX(embeddings.ONNXConfig{
			ModelDir:    cfg.Embeddings.ModelDir,
			LibraryPath: cfg.Embeddings.OnnxLibraryPath,
			Dimensions:  cfg.Embeddings.Dimensions,
		})
	case "ollama":
		return embeddings.NewOllama(embeddings.OllamaConfig{
			BaseURL:           cfg.Embeddings.OllamaURL,
			Model:             cfg.Embeddings.OllamaModel,
			Dimensions:        cfg.Embeddings.Dimensions,
			Timeout:           cfg.Embeddings.OllamaTimeout,
			RequestsPerSecond: float64(cfg.Embeddings.OllamaRequestsPerSecond),
		}), nil
	case "mock":
		return embeddings.NewMock(cfg.Embeddings.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embeddings.Provider)
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/felixgeelhaar/aria/internal/credential"
	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/gateway"
	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/memory"
	"github.com/felixgeelhaar/aria/internal/observe"
	"github.com/felixgeelhaar/aria/internal/plugin"
	"github.com/felixgeelhaar/aria/internal/prompt"
	"github.com/felixgeelhaar/aria/internal/provider"
	"github.com/felixgeelhaar/aria/internal/registry"
	"github.com/felixgeelhaar/aria/internal/store"
)

var (
	listenAddr    string
	dataDir       string
	providerType  string
	modelName     string
	memoryBackend string
	verbose       bool
	logJSON       bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "aria",
	Short: "Realtime Assistant Gateway",
	Long: `Aria terminates WebSocket connections from assistant clients and turns them
into voice and text sessions against a configured model provider, with
per-subject long-term memory and tier-based media throttling.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (default :8420)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.aria)")
	serveCmd.Flags().StringVarP(&providerType, "provider", "p", "", "Model provider (openai, ollama, gemini, anthropic, stub)")
	serveCmd.Flags().StringVarP(&modelName, "model", "m", "", "Model name (default depends on provider)")
	serveCmd.Flags().StringVar(&memoryBackend, "memory-backend", "", "Memory backend (sqlite, chromem)")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

// loadConfig layers the optional aria.yaml under the data directory with
// ARIA_-prefixed environment variables. A missing config file is fine;
// defaults cover every key.
func loadConfig(dir string) *viper.Viper {
	cfg := viper.New()
	cfg.SetConfigName("aria")
	cfg.SetConfigType("yaml")
	cfg.AddConfigPath(dir)
	cfg.AddConfigPath(".")
	cfg.SetEnvPrefix("ARIA")
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	cfg.SetDefault("server.listen", ":8420")
	cfg.SetDefault("provider.name", "ollama")
	cfg.SetDefault("memory.backend", "sqlite")
	cfg.SetDefault("memory.embedder", "local")
	cfg.SetDefault("memory.sweep_interval", time.Hour)
	cfg.SetDefault("engine.capacity", engine.DefaultCapacity)

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Failed to read config file: %v\n", err)
			os.Exit(1)
		}
	}
	return cfg
}

func runServe() {
	// API keys and ARIA_ overrides may live in a .env next to the binary.
	_ = godotenv.Load()

	var obs *observe.Observer
	if logJSON {
		obs = observe.NewJSON(os.Stdout, verbose)
	} else {
		obs = observe.New(os.Stdout, verbose)
	}
	defer obs.Close()

	dir := resolveDataDir()
	cfg := loadConfig(dir)

	// Flags win over config file and environment.
	if listenAddr == "" {
		listenAddr = cfg.GetString("server.listen")
	}
	if providerType == "" {
		providerType = cfg.GetString("provider.name")
	}
	if modelName == "" {
		modelName = cfg.GetString("provider.model")
	}
	if memoryBackend == "" {
		memoryBackend = cfg.GetString("memory.backend")
	}

	users, err := store.NewSQLiteStore(filepath.Join(dir, "users.db"))
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init user store")
	}
	defer users.Close()

	creds, err := credential.NewManager()
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init credential manager")
	}

	gate, err := openGate(users, creds)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init token gate")
	}

	p, err := buildProvider(users, creds)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to initialize provider")
	}

	emb, stopEmbedder, err := buildEmbedder(cfg, p)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to initialize embedder")
	}
	defer stopEmbedder()

	mem, err := buildMemory(cfg, dir, emb)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init memory store")
	}
	defer mem.Close()

	bus := events.NewBus()

	sweeper := memory.NewSweeper(mem, obs, cfg.GetDuration("memory.sweep_interval"))
	sweeper.SetBus(bus)
	sweeper.Start()
	defer sweeper.Stop()

	catalog := prompt.NewCatalog()
	if overrides := cfg.GetString("prompt.overrides"); overrides != "" {
		if err := catalog.LoadOverrides(overrides); err != nil {
			obs.Log().Fatal().Err(err).Str("path", overrides).Msg("Failed to load prompt overrides")
		}
	}

	eng := engine.NewProviderEngine(p, catalog, obs, cfg.GetInt("engine.capacity"))
	reg := registry.New(gate, eng, mem, bus, obs)
	srv := gateway.New(listenAddr, gate, reg, users, bus, obs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepRevoked(ctx, gate, obs)

	obs.Log().Info().
		Str("addr", listenAddr).
		Str("provider", providerType).
		Str("memory_backend", memoryBackend).
		Msg("aria gateway starting")

	if err := srv.Start(ctx); err != nil {
		obs.Log().Fatal().Err(err).Msg("Gateway terminated")
	}
	obs.Log().Info().Msg("aria gateway stopped")
}

func buildProvider(s store.Storage, creds *credential.Manager) (provider.Provider, error) {
	switch providerType {
	case "openai":
		apiKey, err := secretConfig(s, creds, "openai.api_key")
		if err != nil {
			return nil, err
		}
		baseURL, _ := s.GetConfig("openai.base_url")
		return provider.NewOpenAIProvider(apiKey, baseURL, modelName)
	case "ollama":
		return provider.NewOllamaProvider(modelName)
	case "gemini":
		apiKey, err := secretConfig(s, creds, "gemini.api_key")
		if err != nil {
			return nil, err
		}
		return provider.NewGeminiProvider(apiKey, modelName)
	case "anthropic":
		apiKey, err := secretConfig(s, creds, "anthropic.api_key")
		if err != nil {
			return nil, err
		}
		return provider.NewAnthropicProvider(apiKey, modelName)
	case "stub":
		return provider.NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", providerType)
	}
}

// buildEmbedder resolves memory.embedder: "local", "provider", or
// "plugin:/path/to/binary". The returned stop function releases the cache
// and, for plugins, kills the subprocess.
func buildEmbedder(cfg *viper.Viper, p provider.Provider) (memory.Embedder, func(), error) {
	kind := cfg.GetString("memory.embedder")
	dims := cfg.GetInt("memory.dimensions")

	var base memory.Embedder
	var kill func()
	switch {
	case kind == "local":
		base = memory.NewLocalEmbedder(dims)
	case kind == "provider":
		base = memory.NewProviderEmbedder(p, dims)
	case strings.HasPrefix(kind, "plugin:"):
		emb, k, err := plugin.Open(strings.TrimPrefix(kind, "plugin:"))
		if err != nil {
			return nil, nil, fmt.Errorf("open embedder plugin: %w", err)
		}
		base, kill = emb, k
	default:
		return nil, nil, fmt.Errorf("unknown embedder %q", kind)
	}

	cached, err := memory.NewCachedEmbedder(base)
	if err != nil {
		if kill != nil {
			kill()
		}
		return nil, nil, err
	}
	stop := func() {
		cached.Close()
		if kill != nil {
			kill()
		}
	}
	return cached, stop, nil
}

func buildMemory(cfg *viper.Viper, dir string, emb memory.Embedder) (memory.Store, error) {
	// Zero Params fields select the package defaults.
	params := memory.Params{
		ReinforceRate: cfg.GetFloat64("memory.reinforce_rate"),
		HalfLife:      cfg.GetDuration("memory.half_life"),
		PruneFloor:    cfg.GetFloat64("memory.prune_floor"),
		PruneGrace:    cfg.GetDuration("memory.prune_grace"),
	}
	switch memoryBackend {
	case "sqlite":
		return memory.NewSQLiteStore(filepath.Join(dir, "memory.db"), emb, params)
	case "chromem":
		return memory.NewChromemStore(emb, params), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", memoryBackend)
	}
}

// sweepRevoked drops expired entries from the gate's revocation set so it
// cannot grow without bound on a long-lived server.
func sweepRevoked(ctx context.Context, gate *identity.Gate, obs *observe.Observer) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := gate.SweepRevoked(); n > 0 {
				obs.Log().Debug().Int("swept", n).Msg("dropped expired revocations")
			}
		}
	}
}

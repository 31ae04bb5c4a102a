package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/obsrvrly/crm-sync-pipeline/archive"
	"github.com/obsrvrly/crm-sync-pipeline/engine"
	"github.com/obsrvrly/crm-sync-pipeline/ledger"
	"github.com/obsrvrly/crm-sync-pipeline/notify"
	"github.com/obsrvrly/crm-sync-pipeline/provider"
	"github.com/obsrvrly/crm-sync-pipeline/runstats"
	"github.com/obsrvrly/crm-sync-pipeline/store"
)

type Options struct {
	ConfigFile string
	Verbose    bool
}

// Config is the top-level pipeline configuration file.
type Config struct {
	Provider ComponentConfig        `yaml:"provider"`
	Ledger   LedgerConfig           `yaml:"ledger"`
	Guard    map[string]interface{} `yaml:"guard"`
	Archive  *ComponentConfig       `yaml:"archive"`
	Notify   map[string]interface{} `yaml:"notify"`
	RunStats map[string]interface{} `yaml:"run_stats"`
	Streams  []StreamConfig         `yaml:"streams"`
}

type ComponentConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StreamConfig struct {
	Source             string          `yaml:"source"`
	Operation          string          `yaml:"operation"`
	Object             string          `yaml:"object"`
	Kind               string          `yaml:"kind"`
	MaxResultsPerChunk int             `yaml:"max_results_per_chunk"`
	PageLimit          int             `yaml:"page_limit"`
	Directions         []string        `yaml:"directions"`
	HistoryStart       string          `yaml:"history_start"`
	IDSource           string          `yaml:"id_source"` // operation whose store keys seed an id stream
	Store              ComponentConfig `yaml:"store"`
}

// Runner loads a pipeline configuration and assembles the sync engine
// from it.
type Runner struct {
	opts Options

	Engine  *engine.Runner
	Ledger  *ledger.Store
	Streams []engine.Stream

	closers []func() error
}

func New(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Validate loads and parses the configuration without opening any
// connections.
func (r *Runner) Validate() error {
	config, err := r.loadConfig()
	if err != nil {
		return err
	}

	if config.Provider.Type == "" {
		return fmt.Errorf("provider type is required")
	}
	if config.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required")
	}
	if len(config.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}

	operations := make(map[string]bool)
	for i, sc := range config.Streams {
		if sc.Source == "" || sc.Operation == "" {
			return fmt.Errorf("stream %d: source and operation are required", i)
		}
		if sc.Object == "" {
			return fmt.Errorf("stream %s/%s: object is required", sc.Source, sc.Operation)
		}
		if sc.Operation == ledger.OperationAll {
			return fmt.Errorf("stream %s/%s: %q is reserved", sc.Source, sc.Operation, ledger.OperationAll)
		}
		if sc.Kind != "" && sc.Kind != engine.KindTime && sc.Kind != engine.KindIDs {
			return fmt.Errorf("stream %s/%s: unknown kind %q", sc.Source, sc.Operation, sc.Kind)
		}
		if sc.Store.Type == "" {
			return fmt.Errorf("stream %s/%s: store type is required", sc.Source, sc.Operation)
		}
		if sc.HistoryStart != "" {
			if _, err := time.Parse(time.RFC3339, sc.HistoryStart); err != nil {
				return fmt.Errorf("stream %s/%s: invalid history_start: %w", sc.Source, sc.Operation, err)
			}
		}
		key := sc.Source + "/" + sc.Operation
		if operations[key] {
			return fmt.Errorf("duplicate stream %s", key)
		}
		operations[key] = true
	}

	for _, sc := range config.Streams {
		if sc.Kind == engine.KindIDs {
			if sc.IDSource == "" {
				return fmt.Errorf("stream %s/%s: id streams need id_source", sc.Source, sc.Operation)
			}
			if !operations[sc.Source+"/"+sc.IDSource] {
				return fmt.Errorf("stream %s/%s: id_source %q does not name a stream", sc.Source, sc.Operation, sc.IDSource)
			}
		}
	}

	return nil
}

// OpenLedger opens just the run ledger, for commands that inspect or
// repair runs without touching the provider or stores.
func (r *Runner) OpenLedger() error {
	config, err := r.loadConfig()
	if err != nil {
		return err
	}
	if config.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required")
	}

	ledgerStore, err := ledger.Open(config.Ledger.Driver, config.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("error opening run ledger: %w", err)
	}
	r.Ledger = ledgerStore
	r.closers = append(r.closers, ledgerStore.Close)
	return nil
}

// Build opens every configured component and wires the engine. Call
// Close when done.
func (r *Runner) Build(ctx context.Context) error {
	if err := r.Validate(); err != nil {
		return err
	}

	config, err := r.loadConfig()
	if err != nil {
		return err
	}

	ledgerStore, err := ledger.Open(config.Ledger.Driver, config.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("error opening run ledger: %w", err)
	}
	r.Ledger = ledgerStore
	r.closers = append(r.closers, ledgerStore.Close)

	guard, err := ledger.NewGuard(ledgerStore, guardConfig(config.Guard))
	if err != nil {
		r.Close()
		return fmt.Errorf("error creating concurrency guard: %w", err)
	}
	r.closers = append(r.closers, guard.Close)

	client, err := r.buildProvider(config.Provider)
	if err != nil {
		r.Close()
		return err
	}

	eng := &engine.Runner{
		Ledger: ledgerStore,
		Guard:  guard,
		Client: client,
	}

	if config.Archive != nil {
		archiver, err := archive.New(ctx, config.Archive.Type, config.Archive.Config)
		if err != nil {
			r.Close()
			return fmt.Errorf("error creating archiver: %w", err)
		}
		eng.Archive = archiver
		r.closers = append(r.closers, archiver.Close)
	}

	if config.Notify != nil {
		dispatcher, err := notify.NewDispatcher(config.Notify)
		if err != nil {
			r.Close()
			return fmt.Errorf("error creating notification dispatcher: %w", err)
		}
		eng.Notify = dispatcher
	}

	if config.RunStats != nil {
		sink, err := runstats.NewSink(config.RunStats)
		if err != nil {
			r.Close()
			return fmt.Errorf("error creating run stats sink: %w", err)
		}
		eng.Stats = sink
		r.closers = append(r.closers, sink.Close)
	}

	stores := make(map[string]store.Store)
	for _, sc := range config.Streams {
		st, err := store.New(ctx, sc.Store.Type, sc.Store.Config)
		if err != nil {
			r.Close()
			return fmt.Errorf("error creating store for %s/%s: %w", sc.Source, sc.Operation, err)
		}
		stores[sc.Source+"/"+sc.Operation] = st
		r.closers = append(r.closers, st.Close)

		var historyStart time.Time
		if sc.HistoryStart != "" {
			historyStart, _ = time.Parse(time.RFC3339, sc.HistoryStart)
		}

		r.Streams = append(r.Streams, engine.Stream{
			Config: engine.StreamConfig{
				Source:             sc.Source,
				Operation:          sc.Operation,
				Object:             sc.Object,
				Kind:               sc.Kind,
				MaxResultsPerChunk: sc.MaxResultsPerChunk,
				PageLimit:          sc.PageLimit,
				Directions:         sc.Directions,
				HistoryStart:       historyStart,
			},
			Store: st,
		})
	}

	// Id streams pull their root list from the parent stream's store.
	for i, sc := range config.Streams {
		if sc.Kind != engine.KindIDs {
			continue
		}
		parent, ok := stores[sc.Source+"/"+sc.IDSource]
		if !ok {
			r.Close()
			return fmt.Errorf("stream %s/%s: id_source %q does not name a stream", sc.Source, sc.Operation, sc.IDSource)
		}
		r.Streams[i].IDSource = parent.Keys
	}

	r.Engine = eng

	if r.opts.Verbose {
		log.Printf("Runner: configured %d streams from %s", len(r.Streams), r.opts.ConfigFile)
	}
	return nil
}

// Stream returns the stream for the given source and operation.
func (r *Runner) Stream(source, operation string) (engine.Stream, bool) {
	for _, s := range r.Streams {
		if s.Config.Source == source && s.Config.Operation == operation {
			return s, true
		}
	}
	return engine.Stream{}, false
}

// Sources lists the distinct sources across all configured streams.
func (r *Runner) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.Streams {
		if !seen[s.Config.Source] {
			seen[s.Config.Source] = true
			out = append(out, s.Config.Source)
		}
	}
	return out
}

func (r *Runner) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Printf("Runner: error during close: %v", err)
		}
	}
	r.closers = nil
}

func (r *Runner) loadConfig() (*Config, error) {
	configBytes, err := os.ReadFile(r.opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", r.opts.ConfigFile, err)
	}

	var config Config
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	config.Provider.Config = normalizeMap(config.Provider.Config)
	config.Guard = normalizeMap(config.Guard)
	config.Notify = normalizeMap(config.Notify)
	config.RunStats = normalizeMap(config.RunStats)
	if config.Archive != nil {
		config.Archive.Config = normalizeMap(config.Archive.Config)
	}
	for i := range config.Streams {
		config.Streams[i].Store.Config = normalizeMap(config.Streams[i].Store.Config)
	}

	return &config, nil
}

func (r *Runner) buildProvider(component ComponentConfig) (provider.Client, error) {
	switch component.Type {
	case "rest", "":
		client, err := provider.NewRESTClient(component.Config)
		if err != nil {
			return nil, fmt.Errorf("error creating provider client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", component.Type)
	}
}

func guardConfig(raw map[string]interface{}) ledger.GuardConfig {
	var cfg ledger.GuardConfig
	if raw == nil {
		return cfg
	}
	cfg.RedisAddr, _ = raw["redis_addr"].(string)
	cfg.RedisPassword, _ = raw["redis_password"].(string)
	if db, ok := raw["redis_db"].(int); ok {
		cfg.RedisDB = db
	}
	if secs, ok := raw["lease_ttl_seconds"].(int); ok && secs > 0 {
		cfg.LeaseTTL = time.Duration(secs) * time.Second
	}
	return cfg
}

// normalizeMap rewrites the map[interface{}]interface{} values yaml.v2
// produces for nested mappings into map[string]interface{} so component
// constructors can type-assert on them.
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}

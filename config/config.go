// Package config holds the service configuration of deltapubd: named
// presets, JSON overrides, and constructors for the components they select.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/deltas"
	"github.com/deltapub/deltapub/executor"
	"github.com/deltapub/deltapub/repo"
	"github.com/deltapub/deltapub/repo/memrepo"
	"github.com/deltapub/deltapub/repo/ostree"
	"github.com/deltapub/deltapub/shutdown"
	"github.com/deltapub/deltapub/store"
	"github.com/deltapub/deltapub/store/memory"
	"github.com/deltapub/deltapub/store/postgres"
	"github.com/deltapub/deltapub/store/sqlite"
)

// Duration is a time.Duration written as a string ("30s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("durations are strings like \"30s\": %v", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type ServiceConfig struct {
	Store    StoreConfig    `json:"Store"`
	Repo     RepoConfig     `json:"Repo"`
	Deltas   DeltasConfig   `json:"Deltas"`
	Executor ExecutorConfig `json:"Executor"`
	Shutdown ShutdownConfig `json:"Shutdown"`
	Admin    AdminConfig    `json:"Admin"`
}

func (c ServiceConfig) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s\n%s\n%s", c.Store, c.Repo, c.Deltas, c.Executor, c.Shutdown, c.Admin)
}

type StoreConfig struct {
	Type     string `json:"Type"`     // memory, sqlite, postgres
	Path     string `json:"Path"`     // sqlite database file
	URL      string `json:"URL"`      // postgres connection string
	MaxConns int32  `json:"MaxConns"` // postgres pool size, 0 for pgx's default
	// Apply migrations at startup instead of via deltapubctl migrate.
	AutoMigrate bool `json:"AutoMigrate"`
}

func (c StoreConfig) String() string {
	return fmt.Sprintf("StoreConfig: Type: %s, Path: %s, MaxConns: %d, AutoMigrate: %t", c.Type, c.Path, c.MaxConns, c.AutoMigrate)
}

// Migrator is implemented by stores with a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Open connects to the configured store, migrating it if AutoMigrate is set.
func (c StoreConfig) Open(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch c.Type {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
			return nil, errors.Wrap(err, "creating sqlite directory")
		}
		s, err := sqlite.Open(c.Path)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		s, err := postgres.New(ctx, c.URL, c.MaxConns)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, errors.Errorf("unknown store type %q", c.Type)
	}
	if c.AutoMigrate {
		if err := st.(Migrator).Migrate(ctx); err != nil {
			st.Close()
			return nil, errors.Wrap(err, "migrating store")
		}
	}
	return st, nil
}

type RepoConfig struct {
	Type   string `json:"Type"`   // memory, ostree
	Root   string `json:"Root"`   // directory holding one ostree repo per name
	Binary string `json:"Binary"` // ostree executable, default "ostree"
}

func (c RepoConfig) String() string {
	return fmt.Sprintf("RepoConfig: Type: %s, Root: %s, Binary: %s", c.Type, c.Root, c.Binary)
}

func (c RepoConfig) Create() (repo.Backend, error) {
	switch c.Type {
	case "memory":
		return memrepo.NewBackend(), nil
	case "ostree":
		if c.Root == "" {
			return nil, errors.New("ostree repo config needs a Root")
		}
		return ostree.NewBackend(c.Root, c.Binary), nil
	}
	return nil, errors.Errorf("unknown repo type %q", c.Type)
}

type DeltasConfig struct {
	MaxQueued        int      `json:"MaxQueued"`
	RequestTimeout   Duration `json:"RequestTimeout"`
	HandshakeTimeout Duration `json:"HandshakeTimeout"`
	LocalFallback    bool     `json:"LocalFallback"`
	LocalConcurrency int      `json:"LocalConcurrency"`
}

func (c DeltasConfig) String() string {
	return fmt.Sprintf("DeltasConfig: MaxQueued: %d, RequestTimeout: %s, LocalFallback: %t, LocalConcurrency: %d",
		c.MaxQueued, time.Duration(c.RequestTimeout), c.LocalFallback, c.LocalConcurrency)
}

func (c DeltasConfig) GeneratorConfig() deltas.Config {
	return deltas.Config{
		MaxQueued:        c.MaxQueued,
		RequestTimeout:   time.Duration(c.RequestTimeout),
		HandshakeTimeout: time.Duration(c.HandshakeTimeout),
		LocalFallback:    c.LocalFallback,
		LocalConcurrency: c.LocalConcurrency,
	}
}

type ExecutorConfig struct {
	Instance             string   `json:"Instance"`
	Concurrency          int      `json:"Concurrency"`
	PollInterval         Duration `json:"PollInterval"`
	ClaimBatch           int      `json:"ClaimBatch"`
	ClaimRate            float64  `json:"ClaimRate"`
	MaxRetries           int      `json:"MaxRetries"`
	RetryBaseDelay       Duration `json:"RetryBaseDelay"`
	RetryMaxDelay        Duration `json:"RetryMaxDelay"`
	LockTimeout          Duration `json:"LockTimeout"`
	StoreRetryMaxElapsed Duration `json:"StoreRetryMaxElapsed"`
}

func (c ExecutorConfig) String() string {
	return fmt.Sprintf("ExecutorConfig: Instance: %s, Concurrency: %d, MaxRetries: %d, RetryBaseDelay: %s, RetryMaxDelay: %s, LockTimeout: %s",
		c.Instance, c.Concurrency, c.MaxRetries, time.Duration(c.RetryBaseDelay), time.Duration(c.RetryMaxDelay), time.Duration(c.LockTimeout))
}

// ExecutorConfig converts c. repoRoot is reported on when set.
func (c ExecutorConfig) ExecutorConfig(repoRoot string) executor.Config {
	return executor.Config{
		Instance:             c.Instance,
		Concurrency:          c.Concurrency,
		PollInterval:         time.Duration(c.PollInterval),
		ClaimBatch:           c.ClaimBatch,
		ClaimRate:            c.ClaimRate,
		MaxRetries:           c.MaxRetries,
		RetryBaseDelay:       time.Duration(c.RetryBaseDelay),
		RetryMaxDelay:        time.Duration(c.RetryMaxDelay),
		LockTimeout:          time.Duration(c.LockTimeout),
		StoreRetryMaxElapsed: time.Duration(c.StoreRetryMaxElapsed),
		RepoRoot:             repoRoot,
	}
}

type ShutdownConfig struct {
	StepTimeout Duration `json:"StepTimeout"`
	Quiescence  Duration `json:"Quiescence"`
}

func (c ShutdownConfig) String() string {
	return fmt.Sprintf("ShutdownConfig: StepTimeout: %s, Quiescence: %s", time.Duration(c.StepTimeout), time.Duration(c.Quiescence))
}

func (c ShutdownConfig) CoordinatorConfig() shutdown.Config {
	return shutdown.Config{
		StepTimeout: time.Duration(c.StepTimeout),
		Quiescence:  time.Duration(c.Quiescence),
	}
}

type AdminConfig struct {
	Addr string `json:"Addr"`
	// Where remote delta workers connect.
	WorkerPath string `json:"WorkerPath"`
}

func (c AdminConfig) String() string {
	return fmt.Sprintf("AdminConfig: Addr: %s, WorkerPath: %s", c.Addr, c.WorkerPath)
}

// GetConfigText resolves selector to JSON: a preset name, a JSON object
// literal, or the path of a file holding one.
func GetConfigText(selector string) ([]byte, error) {
	if preset, ok := ServiceConfigs[selector]; ok {
		return json.Marshal(preset)
	}
	if strings.HasPrefix(strings.TrimSpace(selector), "{") {
		log.Infof("using config as JSON: %s", selector)
		return []byte(selector), nil
	}
	text, err := ioutil.ReadFile(selector)
	if err == nil {
		log.Infof("reading config file %s", selector)
		return text, nil
	}
	if strings.ContainsRune(selector, '/') || strings.HasSuffix(selector, ".json") {
		return nil, errors.Wrapf(err, "loading config file %s", selector)
	}
	return nil, fmt.Errorf("invalid configuration %s, supported presets are %v", selector, PresetNames())
}

// GetConfig resolves selector and lays it over the default preset: fields
// the selection leaves out keep their default values.
func GetConfig(selector string) (*ServiceConfig, error) {
	text, err := GetConfigText(selector)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig
	dec := json.NewDecoder(strings.NewReader(string(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse config %s: %v", selector, err)
	}
	return &cfg, nil
}

func PresetNames() []string {
	names := make([]string, 0, len(ServiceConfigs))
	for name := range ServiceConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

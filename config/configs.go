package config

import (
	"time"
)

// ServiceConfigs are the named presets accepted by GetConfig.
var ServiceConfigs = map[string]ServiceConfig{
	"default":       defaultConfig,
	"local.memory":  localMemory,
	"local.sqlite":  localSqlite,
	"prod.postgres": prodPostgres,
}

// defaultConfig supplies every value a selected config leaves out.
var defaultConfig = ServiceConfig{
	Store: StoreConfig{
		Type: "memory",
	},
	Repo: RepoConfig{
		Type: "memory",
	},
	Deltas: DeltasConfig{
		MaxQueued:        1024,
		RequestTimeout:   Duration(30 * time.Minute),
		HandshakeTimeout: Duration(10 * time.Second),
		LocalFallback:    true,
	},
	Executor: ExecutorConfig{
		PollInterval:         Duration(time.Second),
		ClaimBatch:           16,
		ClaimRate:            20,
		MaxRetries:           5,
		RetryBaseDelay:       Duration(time.Second),
		RetryMaxDelay:        Duration(10 * time.Minute),
		LockTimeout:          Duration(10 * time.Minute),
		StoreRetryMaxElapsed: Duration(time.Minute),
	},
	Shutdown: ShutdownConfig{
		StepTimeout: Duration(30 * time.Second),
		Quiescence:  Duration(300 * time.Millisecond),
	},
	Admin: AdminConfig{
		Addr:       "localhost:9091",
		WorkerPath: "/deltas/worker",
	},
}

// localMemory keeps everything in process. Jobs do not survive a restart.
var localMemory = func() ServiceConfig {
	c := defaultConfig
	c.Executor.Concurrency = 4
	return c
}()

var localSqlite = func() ServiceConfig {
	c := defaultConfig
	c.Store = StoreConfig{
		Type:        "sqlite",
		Path:        ".deltapub/jobs.db",
		AutoMigrate: true,
	}
	c.Repo = RepoConfig{
		Type: "ostree",
		Root: ".deltapub/repos",
	}
	c.Executor.Concurrency = 4
	return c
}()

// prodPostgres expects the schema to be migrated by deltapubctl migrate and
// remote workers to compute deltas.
var prodPostgres = func() ServiceConfig {
	c := defaultConfig
	c.Store = StoreConfig{
		Type:     "postgres",
		URL:      "postgres://deltapub@localhost:5432/deltapub",
		MaxConns: 32,
	}
	c.Repo = RepoConfig{
		Type: "ostree",
		Root: "/srv/deltapub/repos",
	}
	c.Deltas.LocalFallback = false
	c.Admin.Addr = ":9091"
	return c
}()

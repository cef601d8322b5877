// Package cfg defines the environment-variable configuration for the
// pager binaries, parsed with caarlos0/env the way the teacher's
// packages/api/internal/cfg.Config is.
package cfg

import "github.com/caarlos0/env/v11"

// Config is the pager-bench binary's environment surface. coordinator-mock
// does not use it; it reads LISTEN_ADDR on its own.
type Config struct {
	NodeID     int `env:"NODE_ID,required"`
	TotalNodes int `env:"TOTAL_NODES,required"`

	GuestBase uint64 `env:"GUEST_BASE" envDefault:"65536"`
	GuestLen  int64  `env:"GUEST_LEN,required"`

	CoordinatorURL string `env:"COORDINATOR_URL,required,notEmpty"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:"0.0.0.0"`

	PoolPath   string `env:"POOL_PATH" envDefault:"/tmp/pager-pool.bin"`
	RdmaDevice string `env:"RDMA_DEVICE" envDefault:"mlx5_0"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9400"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse reads Config from the process environment.
func Parse() (Config, error) {
	var config Config

	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}

	return config, nil
}

package db

import (
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/config"
)

type Session struct {
	*gocql.Session
}

// NewCluster builds the cluster config used for history reads. Reads use
// LocalOne; history pages tolerate a replica that is slightly behind.
func NewCluster(cfg config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalOne
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

func NewSession(cfg config.ScyllaConfig, logger zerolog.Logger) (*Session, error) {
	session, err := NewCluster(cfg).CreateSession()
	if err != nil {
		return nil, err
	}
	logger.Info().Strs("hosts", cfg.Hosts).Str("keyspace", cfg.Keyspace).Msg("connected to scylla")
	return &Session{Session: session}, nil
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// CassandraDB wraps a gocql session
type CassandraDB struct {
	Session *gocql.Session
}

// CassandraConfig holds connection settings. Credentials are optional and
// Consistency defaults to LOCAL_QUORUM.
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

func (c *CassandraConfig) cluster() (*gocql.ClusterConfig, error) {
	cluster := gocql.NewCluster(c.Hosts...)
	cluster.Keyspace = c.Keyspace
	cluster.Timeout = c.Timeout
	cluster.NumConns = 2
	cluster.Consistency = gocql.LocalQuorum
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{NumRetries: 3, Min: time.Second, Max: 10 * time.Second}

	if c.Consistency != "" {
		consistency, err := gocql.ParseConsistencyWrapper(c.Consistency)
		if err != nil {
			return nil, fmt.Errorf("invalid Cassandra consistency %q: %w", c.Consistency, err)
		}
		cluster.Consistency = consistency
	}
	if c.Username != "" && c.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: c.Username, Password: c.Password}
	}
	return cluster, nil
}

// NewCassandraDB opens a session against the configured keyspace
func NewCassandraDB(cfg *CassandraConfig) (*CassandraDB, error) {
	cluster, err := cfg.cluster()
	if err != nil {
		return nil, err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &CassandraDB{Session: session}, nil
}

func (db *CassandraDB) Close() {
	if db.Session != nil {
		db.Session.Close()
	}
}

func (db *CassandraDB) Ping(ctx context.Context) error {
	if err := db.Session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("cassandra ping failed: %w", err)
	}
	return nil
}

package database

import (
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCockroachDSN(t *testing.T) {
	cfg := &CockroachConfig{
		Host:     "db.internal",
		Port:     26257,
		User:     "calls",
		Password: "p@ss/word",
		Database: "peercall",
		SSLMode:  "disable",
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	require.NoError(t, err)
	assert.Equal(t, "db.internal", poolConfig.ConnConfig.Host)
	assert.EqualValues(t, 26257, poolConfig.ConnConfig.Port)
	assert.Equal(t, "calls", poolConfig.ConnConfig.User)
	assert.Equal(t, "p@ss/word", poolConfig.ConnConfig.Password)
	assert.Equal(t, "peercall", poolConfig.ConnConfig.Database)
}

func TestCassandraCluster(t *testing.T) {
	cluster, err := (&CassandraConfig{
		Hosts:    []string{"cass-1", "cass-2"},
		Keyspace: "peercall",
		Timeout:  3 * time.Second,
	}).cluster()
	require.NoError(t, err)
	assert.Equal(t, gocql.LocalQuorum, cluster.Consistency)
	assert.Nil(t, cluster.Authenticator)
	assert.Equal(t, 3*time.Second, cluster.Timeout)

	cluster, err = (&CassandraConfig{
		Hosts:       []string{"cass-1"},
		Consistency: "ONE",
		Username:    "u",
		Password:    "p",
	}).cluster()
	require.NoError(t, err)
	assert.Equal(t, gocql.One, cluster.Consistency)
	assert.NotNil(t, cluster.Authenticator)

	_, err = (&CassandraConfig{Consistency: "SOMETIMES"}).cluster()
	assert.Error(t, err)
}

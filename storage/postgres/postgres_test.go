package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/fga"
	"github.com/coreauth/fga/testsuite"
)

var (
	serverURL = ""
	dbCounter atomic.Int64
)

func TestMain(m *testing.M) {
	var (
		pool     *dockertest.Pool
		resource *dockertest.Resource
		err      error
	)

	serverURL = os.Getenv("TEST_POSTGRES_DATABASE_URL")

	if serverURL == "" {
		pool, err = dockertest.NewPool("")
		if err != nil {
			log.Fatalf("Could not connect to docker: %s", err)
		}

		resource, err = pool.RunWithOptions(&dockertest.RunOptions{
			Repository: "postgres",
			Tag:        "15.4",
			Env: []string{
				"POSTGRES_PASSWORD=fga",
				"POSTGRES_USER=fga",
				"POSTGRES_DB=fga",
				"listen_addresses = '*'",
			},
		}, func(config *docker.HostConfig) {
			config.AutoRemove = true // Stopped container should be removed
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		})
		if err != nil {
			log.Fatalf("Could not start resource: %s", err)
		}
		_ = resource.Expire(300) // In any case container should be killed in 5min

		hostAndPort := resource.GetHostPort("5432/tcp")
		serverURL = fmt.Sprintf("postgres://fga:fga@%s/fga?sslmode=disable", hostAndPort)

		// We connect with exponential backoff (maximum wait 2min)
		pool.MaxWait = 120 * time.Second
		if err = pool.Retry(func() error {
			db, err := sql.Open("pgx", serverURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Ping()
		}); err != nil {
			log.Fatalf("Could not connect to postgres: %s", err)
		}
	}

	code := m.Run()

	if pool != nil {
		if err := pool.Purge(resource); err != nil {
			log.Fatalf("Could not purge resource: %s", err)
		}
	}

	os.Exit(code)
}

// freshStorage creates an isolated database on the shared server and
// migrates it, so the conformance subtests do not see each other's rows.
func freshStorage(t *testing.T) fga.Storage {
	t.Helper()

	name := fmt.Sprintf("fga_test_%d", dbCounter.Add(1))
	admin, err := sql.Open("pgx", serverURL)
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.Exec("CREATE DATABASE " + name)
	require.NoError(t, err)

	parsed, err := url.Parse(serverURL)
	require.NoError(t, err)
	parsed.Path = "/" + name
	databaseURL := parsed.String()

	require.NoError(t, RunMigrations(databaseURL))

	storage, err := NewStorage(context.Background(), databaseURL)
	require.NoError(t, err)
	return storage
}

func TestPostgresWithTestSuite(t *testing.T) {
	testsuite.RunAll(t, freshStorage)
}

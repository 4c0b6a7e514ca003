package test

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	dc "github.com/ory/dockertest/v3/docker"

	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	containerUser     = "iapkit"
	containerPassword = "iapkit"
	containerDatabase = "iapkit"

	containerExpirySeconds = 300
)

// StartPostgresDB starts a throwaway postgres container and returns its
// connection url. The container removes itself after containerExpirySeconds.
func StartPostgresDB(pool *dockertest.Pool) (string, error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15-alpine",
		Env: []string{
			"POSTGRES_USER=" + containerUser,
			"POSTGRES_PASSWORD=" + containerPassword,
			"POSTGRES_DB=" + containerDatabase,
			"listen_addresses = '*'",
		},
	}, func(config *dc.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = dc.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", fmt.Errorf("could not start postgres container: %w", err)
	}

	if err := resource.Expire(containerExpirySeconds); err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		containerUser,
		containerPassword,
		resource.GetPort("5432/tcp"),
		containerDatabase,
	), nil
}

// WaitForConnection polls until the database accepts connections. When
// closeAfter is set the connection is closed before returning.
func WaitForConnection(databaseUrl string, closeAfter bool) (*sql.DB, func(), error) {
	var (
		db  *sql.DB
		err error
	)
	for attempt := 0; attempt < 30; attempt++ {
		db, err = sql.Open("pgx", databaseUrl)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
			_ = db.Close()
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("database never became ready: %w", err)
	}

	disconnect := func() {
		_ = db.Close()
	}
	if closeAfter {
		disconnect()
		return nil, func() {}, nil
	}
	return db, disconnect, nil
}

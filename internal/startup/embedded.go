package startup

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/socialchat/internal/logger"
)

// EmbeddedPostgres is a local Postgres for -dev runs and database tests.
type EmbeddedPostgres struct {
	db  *embeddedpostgres.EmbeddedPostgres
	URL string
}

// StartEmbeddedPostgres starts Postgres on port with its data under dataDir.
func StartEmbeddedPostgres(port uint32, dataDir string) (*EmbeddedPostgres, error) {
	const (
		user     = "chat"
		password = "chat_secret"
		database = "chat"
	)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), fmt.Sprintf("embedded-pg-runtime-%d", port))),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return &EmbeddedPostgres{
		db:  db,
		URL: fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database),
	}, nil
}

func (e *EmbeddedPostgres) Stop() error {
	return e.db.Stop()
}

// Package testutil builds throwaway dependencies for package tests.
package testutil

import (
	"testing"

	"github.com/Monthlyaway/short-link-relay/config"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/repository"
	"github.com/Monthlyaway/short-link-relay/internal/utils"
	"github.com/stretchr/testify/require"
)

// NewLinkRepository returns a repository over a private in-memory SQLite database
func NewLinkRepository(t testing.TB) *repository.LinkRepository {
	t.Helper()

	db, err := repository.OpenDB(config.DatabaseConfig{
		Driver:   "sqlite",
		SQLite:   config.SQLiteConfig{Path: ":memory:"},
		LogLevel: "silent",
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.CloseDB(db) })

	node, err := utils.NewSnowflakeNode(0, 1)
	require.NoError(t, err)

	repo, err := repository.NewLinkRepository(db, node)
	require.NoError(t, err)
	return repo
}

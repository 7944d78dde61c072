package testutil

import (
	"testing"

	"drop-go/internal/database"
)

// NewTestCatalog creates a new in-memory SQLite catalog with schema applied.
// The catalog is automatically closed when the test completes.
func NewTestCatalog(t *testing.T) *database.Catalog {
	t.Helper()

	c, err := database.NewSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	if err := c.Migrate(); err != nil {
		c.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
	})

	return c
}

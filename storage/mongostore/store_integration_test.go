//go:build integration

package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/storage/storagetest"
)

// 需要可访问的 MongoDB：AGENTMEM_TEST_MONGO_URI=mongodb://localhost:27017
func TestStore_ContractIntegration(t *testing.T) {
	uri := os.Getenv("AGENTMEM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AGENTMEM_TEST_MONGO_URI not set")
	}

	storagetest.RunStoreContract(t, func(t *testing.T) storage.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := New(ctx, Config{
			URI:             uri,
			Database:        "agentmem_test_" + uuid.NewString()[:8],
			DeleteBatchSize: 2,
			EnsureIndexes:   true,
			Now:             func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		}, zaptest.NewLogger(t))
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = s.items.Database().Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

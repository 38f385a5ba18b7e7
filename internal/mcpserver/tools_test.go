package mcpserver_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/mcpserver"
	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("JANITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping mcpserver integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestServerHandlerIsMountable(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.NewBus(8)
	pub := publisher.New(st, bus, nil, publisher.DefaultConfig(), zap.NewNop())

	s := mcpserver.New(st, pub, zap.NewNop())
	if s.Handler() == nil {
		t.Fatal("Handler() should never return nil")
	}
}

func TestNilServerHandlerIsNotFound(t *testing.T) {
	var s *mcpserver.Server
	if s.Handler() == nil {
		t.Fatal("Handler() on a nil *Server should return a non-nil NotFoundHandler, not nil")
	}
}

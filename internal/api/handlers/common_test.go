package handlers

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/backup-controller/internal/config"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/orchestrator"
	"github.com/yourusername/backup-controller/internal/ping"
	"github.com/yourusername/backup-controller/internal/registry"
	"github.com/yourusername/backup-controller/internal/scheduler"
	"github.com/yourusername/backup-controller/internal/storage"
)

// testEnv bundles every dependency a handler might need, wired exactly the
// way cmd/server/main.go wires them, so each handler test can pick only the
// pieces it exercises.
type testEnv struct {
	db       *database.DB
	store    *storage.Manager
	bus      *eventbus.Broadcaster
	reg      *registry.Registry
	orc      *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	pingSvc  *ping.Service
	cfg      *config.Config
	activity *logging.ActivityLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	db, err := database.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	store := storage.New(db, filepath.Join(dir, "backups"))
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	reg := registry.New(db, bus)
	t.Cleanup(reg.CloseAll)
	orc := orchestrator.New(db, bus, reg, store, 4, 2)
	sched := scheduler.New(db, orc)
	pingSvc := ping.New(db, bus, reg)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	cfg.Deploy.AgentBinaryPath = filepath.Join(dir, "backup-agent")

	activity := logging.NewActivityLogger(db.DB)
	t.Cleanup(func() { activity.Close() })

	return &testEnv{
		db: db, store: store, bus: bus, reg: reg, orc: orc,
		sched: sched, pingSvc: pingSvc, cfg: cfg, activity: activity,
	}
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, w
}

// httpBody wraps a JSON string as a request body readable by gin's binder.
func httpBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// setParams fills a gin.Context's path params for handlers that read them
// via c.Param, bypassing the need to stand up a full router per test.
func setParams(c *gin.Context, kv ...string) {
	params := make(gin.Params, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		params = append(params, gin.Param{Key: kv[i], Value: kv[i+1]})
	}
	c.Params = params
}

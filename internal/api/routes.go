package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/backup-controller/internal/api/handlers"
	"github.com/yourusername/backup-controller/internal/api/middleware"
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

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SetupRouter configures and returns the HTTP router plus a shutdown hook
// the caller runs before stage (6) of the shutdown sequence (spec §5).
func SetupRouter(
	cfg *config.Config,
	db *database.DB,
	store *storage.Manager,
	bus *eventbus.Broadcaster,
	reg *registry.Registry,
	orc *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	pingSvc *ping.Service,
	activity *logging.ActivityLogger,
) (*gin.Engine, func()) {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.SecurityHeaders())

	serverHandler := handlers.NewServerHandler(db, reg, pingSvc, cfg, activity)
	jobHandler := handlers.NewJobHandler(db, store, orc, sched, reg, bus, activity)
	versionHandler := handlers.NewVersionHandler(db, store, bus)
	storageHandler := handlers.NewStorageHandler(db, store, activity)
	fileHandler := handlers.NewFileHandler(db, store)
	agentHandler := handlers.NewAgentHandler(db, reg, cfg)

	api := router.Group("/api")
	{
		servers := api.Group("/servers")
		{
			servers.GET("", serverHandler.ListServers)
			servers.POST("", serverHandler.CreateServer)
			servers.GET("/ping-status", serverHandler.GetPingStatus)
			servers.GET("/:id", serverHandler.GetServer)
			servers.PUT("/:id", serverHandler.UpdateServer)
			servers.DELETE("/:id", serverHandler.DeleteServer)
			servers.GET("/:id/explore", serverHandler.Explore)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.PUT("/:id", jobHandler.UpdateJob)
			jobs.DELETE("/:id", jobHandler.DeleteJob)
			jobs.POST("/:id/run", jobHandler.RunJob)
			jobs.POST("/:id/cancel", jobHandler.CancelJob)
			jobs.GET("/:id/logs", jobHandler.GetJobLogs)
		}

		versions := api.Group("/versions")
		{
			versions.GET("", versionHandler.ListVersions)
			versions.GET("/:id", versionHandler.GetVersion)
			versions.DELETE("/:id", versionHandler.DeleteVersion)
			versions.DELETE("/by-job/:jobId", versionHandler.DeleteByJob)
			versions.DELETE("/by-server/:serverId", versionHandler.DeleteByServer)
		}

		storageGroup := api.Group("/storage")
		{
			storageGroup.GET("/settings", storageHandler.GetSettings)
			storageGroup.PUT("/settings", storageHandler.PutSettings)
			storageGroup.GET("/browse", storageHandler.Browse)
			storageGroup.GET("/browse-version", storageHandler.BrowseVersion)
			storageGroup.GET("/disk-usage", storageHandler.DiskUsage)
			storageGroup.GET("/hierarchy", storageHandler.Hierarchy)
		}

		files := api.Group("/files")
		{
			files.POST("/upload", fileHandler.Upload)
			files.GET("/manifest/:jobId", fileHandler.GetManifest)
			files.POST("/hardlink", fileHandler.CreateHardlinks)
		}

		agent := api.Group("/agent")
		{
			agent.POST("/update/:serverId", agentHandler.Update)
			agent.GET("/binary", agentHandler.Binary)
		}
	}

	// UI WebSocket — the controller-authored event stream (spec §3/§4.6).
	router.GET("/ws", func(c *gin.Context) {
		conn, err := uiUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.L().Warn("ui_ws_upgrade_failed", "error", err)
			return
		}
		bus.ServeWS(conn)
	})

	// Agent WebSocket — distinct path, registry-owned handshake/dispatch.
	router.GET("/ws/agent", func(c *gin.Context) {
		conn, err := uiUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.L().Warn("agent_ws_upgrade_failed", "error", err)
			return
		}
		reg.ServeWS(conn)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	shutdown := func() {
		reg.CloseAll()
		bus.Close()
	}

	return router, shutdown
}

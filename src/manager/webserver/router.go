package webserver

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/nodeworks/agent-fleet/src/manager/archive"
	"github.com/nodeworks/agent-fleet/src/manager/config"
	"github.com/nodeworks/agent-fleet/src/manager/data"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

func New(cfg config.Config, db *gorm.DB, rdb *redis.Client, reg *gateway.Registry) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	attachRoutes(g, cfg, db, rdb, reg)
	return g
}

func attachRoutes(r *gin.Engine, cfg config.Config, db *gorm.DB, rdb *redis.Client, reg *gateway.Registry) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	sessions := data.SessionStore{DB: db}
	pipeline := &archive.Pipeline{
		Snapshots:  data.SnapshotStore{DB: db},
		Sessions:   sessions,
		Lock:       data.ArchiveLock{Rdb: rdb},
		Events:     data.ArchiveEvents{Rdb: rdb},
		FetchLimit: cfg.ArchiveFetchLimit,
	}

	instH := NewInstances(data.InstanceStore{DB: db}, reg)
	cfgH := Configs{Reg: reg}
	sessH := Sessions{Reg: reg, Pipeline: pipeline, Store: sessions}

	v1 := r.Group("/v1")
	{
		v1.GET("/instances", instH.List)
		v1.POST("/instances/:id/connect", instH.Connect)
		v1.POST("/instances/:id/disconnect", instH.Disconnect)
		v1.GET("/instances/:id/status", instH.Status)

		v1.GET("/instances/:id/config", cfgH.Get)
		v1.PATCH("/instances/:id/config", cfgH.Patch)
		v1.GET("/instances/:id/config/schema", cfgH.Schema)

		v1.POST("/instances/:id/sessions/:key/reset", sessH.Reset)
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodeworks/agent-fleet/src/manager/config"
	"github.com/nodeworks/agent-fleet/src/manager/data"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
	"github.com/nodeworks/agent-fleet/src/manager/types"
	"github.com/nodeworks/agent-fleet/src/manager/webserver"
	"gorm.io/gorm"
)

var allModels = []interface{}{
	&types.Instance{}, &types.Session{}, &types.SnapshotMessage{},
}

func migrate(db *gorm.DB) {
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// reconnectStored dials every instance the last run left marked online.
// Failures only log: a dead peer must not keep the manager from booting.
func reconnectStored(ctx context.Context, db *gorm.DB, reg *gateway.Registry) {
	store := data.InstanceStore{DB: db}
	instances, err := store.List(ctx)
	if err != nil {
		log.Printf("manager: list instances: %v", err)
		return
	}
	for _, inst := range instances {
		if inst.Status != types.StatusOnline {
			continue
		}
		if err := reg.Connect(ctx, inst.ID, inst.Endpoint, inst.Secret); err != nil {
			log.Printf("manager: reconnect %s: %v", inst.ID, err)
			if err := store.SetStatus(ctx, inst.ID, types.StatusOffline); err != nil {
				log.Printf("manager: set status %s: %v", inst.ID, err)
			}
		}
	}
}

func main() {
	cfg := config.Load()

	db := data.MustMySQL(cfg.MySQLDSN)
	migrate(db)

	rdb := data.MustRedis(cfg.RedisURL)

	reg := gateway.NewRegistry(gateway.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})
	gateway.SetDefault(reg)

	ctx, cancel := context.WithCancel(context.Background())
	reconnectStored(ctx, db, reg)

	router := webserver.New(cfg, db, rdb, reg)
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("Fleet manager listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
	reg.Shutdown()
}

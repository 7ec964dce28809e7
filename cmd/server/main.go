// Command server is the Convergence Server entrypoint: it wires
// configuration, Postgres/Redis/S3 storage, the coordinator Registry, and
// the websocket transport together, replacing the teacher's inline main()
// (a single Server struct owning db/redis/clients directly) with the
// layered internal/ packages this module builds out.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/rectcircle/convergence-server/internal/config"
	"github.com/rectcircle/convergence-server/internal/coordinator"
	"github.com/rectcircle/convergence-server/internal/session"
	"github.com/rectcircle/convergence-server/internal/storage/postgres"
	"github.com/rectcircle/convergence-server/internal/storage/rediscache"
	"github.com/rectcircle/convergence-server/internal/storage/s3archive"
	"github.com/rectcircle/convergence-server/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("postgres: ping: %v", err)
	}
	log.Println("connected to PostgreSQL")

	store := postgres.New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("postgres: schema setup: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("redis: ping: %v", err)
	}
	log.Println("connected to Redis")
	cache := rediscache.New(redisClient)

	var archive *s3archive.Archive
	if cfg.S3Enabled {
		archive, err = s3archive.New(cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			log.Fatalf("s3archive: %v", err)
		}
		log.Printf("S3 archival enabled for bucket %s", cfg.S3Bucket)
	} else {
		log.Println("S3 archival disabled (no S3_BUCKET configured)")
	}

	logger := log.Default()
	registry := coordinator.NewRegistry(cfg.RegistryShards, store, cfg.Coordinator, logger)
	defer registry.Shutdown()

	admin := session.NewAdminHandlers(cache, registry, store, archive)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/model/", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeModel(registry, logger, w, r)
	})
	mux.HandleFunc("/api/invites", admin.CreateInvite)
	mux.HandleFunc("/api/invites/resolve", admin.ResolveInvite)
	mux.HandleFunc("/api/models/delete", admin.DeleteModel)
	mux.HandleFunc("/api/models/archive", admin.ArchiveModel)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Printf("server starting on %s", cfg.HTTPAddr)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, mux))
}

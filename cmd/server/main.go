// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/cache"
	"github.com/parlor-games/parlor/internal/games/lastcall"
	"github.com/parlor-games/parlor/internal/games/numberrush"
	"github.com/parlor-games/parlor/internal/handlers"
	"github.com/parlor-games/parlor/internal/middleware"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/session"
	"github.com/parlor-games/parlor/internal/store"
)

func main() {
	auth.Init()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	ctx := context.Background()

	// PG_HOST unset selects the in-memory store, for local hacking without a
	// database. The change feed works either way.
	var st store.Store
	if os.Getenv("PG_HOST") != "" {
		pg, err := store.ConnectPostgres(ctx, logger)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("PG_HOST not set, using in-memory store")
		st = store.NewMemoryStore(logger)
	}

	if err := cache.ConnectRedis(); err != nil {
		logger.Warnf("redis unavailable, action history disabled: %v", err)
		cache.Rdb = nil
	}

	reg := registry.MustNew(
		numberrush.Descriptor(),
		lastcall.Descriptor(),
	)

	svc := session.NewService(st, reg, logger)
	rs := handlers.NewRoomServer(svc, logger)

	mux := http.NewServeMux()

	mux.Handle("/rooms/create", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.CreateRoomHandler(rs),
	)))
	mux.Handle("/rooms/join", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.JoinRoomHandler(rs),
	)))
	mux.Handle("/rooms/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.GetRoomHandler(rs),
	)))
	mux.Handle("/games", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ListGamesHandler(rs),
	)))

	mux.Handle("/rooms/ws/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.RoomWSHandler(logger, rs),
	)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

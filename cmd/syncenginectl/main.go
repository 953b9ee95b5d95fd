package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/binding"
	"github.com/relaysync/engine/internal/transport"
	"github.com/relaysync/engine/internal/types"
	"github.com/relaysync/engine/pkg/syncengine"
)

func main() {
	ctx := context.Background()

	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "syncenginectl")
	}
	os.MkdirAll(appDataDir, 0755)

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	// A real deployment supplies an HTTP- or gRPC-backed RemoteTransport.
	// The demo stands in for a server with an in-process reference transport
	// seeded with a document as if another peer had written it.
	tr := transport.NewInMemory()
	tr.Seed("todos", "seed-1", types.Record{"title": "written by another peer"})

	engine, err := syncengine.New(ctx, syncengine.Options{
		DataDir:       appDataDir,
		Transport:     tr,
		Logger:        logger,
		LeaderChannel: "todos-leader",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Shutdown()

	sink := binding.NewMemorySink()
	todos, err := engine.BindCollection(ctx, "todos", sink, nil, false)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("relaysync demo collection bound")
	fmt.Printf("is leader: %v\n", engine.IsLeader())

	if err := todos.Insert(ctx, "local-1", types.Record{"title": "buy milk"}); err != nil {
		log.Fatal(err)
	}
	fmt.Println("inserted local-1")

	// Give the push loop a moment to replicate before reading back state.
	time.Sleep(200 * time.Millisecond)

	for id, rec := range todos.All() {
		fmt.Printf("%s: %v\n", id, rec)
	}

	unsubscribe := todos.Subscribe(func(view map[string]types.Record) {
		fmt.Printf("view changed, %d documents\n", len(view))
	})
	defer unsubscribe()

	if err := todos.Update(ctx, "local-1", func(rec types.Record) {
		rec["done"] = true
	}); err != nil {
		log.Fatal(err)
	}
	fmt.Println("updated local-1")

	status := todos.Status()
	fmt.Printf("status: loading=%v ready=%v replicating=%v err=%v\n",
		status.IsLoading, status.IsReady, status.IsReplicating, status.Err)
}

// cmd/covalue-node/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/server"
	"github.com/ssd-technologies/covalue/internal/storage"
	"github.com/ssd-technologies/covalue/internal/transport"
)

var log = logging.MustGetLogger("covalue.node")

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogging(level string) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return err
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

func openBackend(kind, dataDir string) (storage.Backend, error) {
	if kind != "memory" {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	switch kind {
	case "sqlite":
		return storage.NewDB(filepath.Join(dataDir, "covalue.db"))
	case "bolt":
		return storage.NewBolt(filepath.Join(dataDir, "covalue.bolt"))
	case "bunt":
		return storage.NewBunt(filepath.Join(dataDir, "covalue.bunt"))
	case "memory":
		return storage.NewBunt(":memory:")
	}
	return nil, fmt.Errorf("unknown backend %q (want sqlite, bolt, bunt or memory)", kind)
}

func main() {
	addr := flag.String("addr", envOr("COVALUE_ADDR", ":8080"), "HTTP listen address (websocket /sync and API)")
	grpcAddr := flag.String("grpc-addr", envOr("COVALUE_GRPC_ADDR", ""), "gRPC sync listen address; empty disables")
	dataDir := flag.String("data-dir", envOr("COVALUE_DATA_DIR", "data"), "directory for persisted logs")
	backendKind := flag.String("backend", envOr("COVALUE_BACKEND", "sqlite"), "storage backend: sqlite, bolt, bunt or memory")
	upstream := flag.String("upstream", envOr("COVALUE_UPSTREAM", ""), "websocket URL of a server to sync with")
	level := flag.String("log-level", envOr("COVALUE_LOG_LEVEL", "INFO"), "log level")
	flag.Parse()

	if err := setupLogging(*level); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	backend, err := openBackend(*backendKind, *dataDir)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A sync server holds no identity: it relays and persists but never writes.
	node := cojson.NewNode(cojson.Identity{}, cojson.Config{})
	defer node.Close()

	store := storage.NewStore(backend, 0)
	local, remote := cojson.NewPipe(0)
	go func() {
		if err := store.Serve(ctx, remote); err != nil && !errors.Is(err, cojson.ErrClosed) {
			log.Errorf("storage peer: %v", err)
		}
	}()
	node.AddPeer("storage", cojson.PeerStorage, local)

	if *upstream != "" {
		go transport.Redial(ctx, transport.DefaultBackoff,
			func(ctx context.Context) (transport.Conn, error) { return transport.Dial(ctx, *upstream) },
			func(c transport.Conn) { node.AddPeer("upstream", cojson.PeerServer, c) })
	}

	srv := server.New(node, store, server.Options{})
	srv.StartWorkers(ctx)

	var gsrv *grpc.Server
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", *grpcAddr, err)
		}
		gsrv = grpc.NewServer()
		transport.RegisterSyncServer(gsrv, &transport.GRPCServer{Accept: func(c transport.Conn) { srv.Accept(c) }})
		go func() {
			if err := gsrv.Serve(lis); err != nil {
				log.Errorf("grpc: %v", err)
			}
		}()
		log.Infof("gRPC sync on %s", *grpcAddr)
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()
		if gsrv != nil {
			gsrv.Stop()
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		httpSrv.Shutdown(sctx)
	}()

	log.Infof("covalue node (%s storage) on http://localhost%s", *backendKind, *addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

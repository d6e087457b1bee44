// Command raftvald runs one replica of a raftval consensus group.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vzdtic/raftval/pkg/api"
	"github.com/vzdtic/raftval/pkg/dataops"
	"github.com/vzdtic/raftval/pkg/hook"
	"github.com/vzdtic/raftval/pkg/raft"
	"github.com/vzdtic/raftval/pkg/transport"
	"github.com/vzdtic/raftval/pkg/wal"
)

func main() {
	id := flag.String("id", "", "replica id")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "comma-separated id=addr pairs for every other replica")
	bootstrap := flag.Bool("bootstrap", false, "start as the lonely leader of a brand-new group")
	walDir := flag.String("wal-dir", "", "directory for the write-ahead log persisting term/voted_for/log (durability is optional; omit to stay in-memory)")
	flag.Parse()

	if *id == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs, peerIDs := parsePeers(*peers)

	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", *id), log.LstdFlags)
	logger.Printf("starting replica %s", *id)
	logger.Printf("grpc address: %s", *addr)
	logger.Printf("http address: %s", *httpAddr)
	logger.Printf("peers: %v", peerIDs)

	cfg := raft.DefaultConfig(raft.PeerID(*id), dataops.KVStore{})
	cfg.LeaderHook = hook.NewLogging(logger)
	cfg.Logger = logger

	if *walDir != "" {
		store, err := wal.Open(*walDir)
		if err != nil {
			logger.Fatalf("failed to open wal: %v", err)
		}
		cfg.Persist = store
		logger.Printf("persisting term/voted_for/log to %s", *walDir)
	}

	grpcTransport := transport.NewGRPC(raft.PeerID(*id), *addr, peerAddrs)
	cfg.Comm = grpcTransport

	var server *raft.Server
	var err error
	if *bootstrap {
		server, err = raft.NewLonelyLeader(cfg)
	} else {
		server, err = joinViaGRPC(cfg, grpcTransport, peerIDs)
	}
	if err != nil {
		logger.Fatalf("failed to start replica: %v", err)
	}

	if err := grpcTransport.Start(server); err != nil {
		logger.Fatalf("failed to start grpc transport: %v", err)
	}
	server.Run()

	httpHandler := api.NewHandler(server, grpcTransport)
	httpServer := &http.Server{Addr: *httpAddr, Handler: httpHandler}

	go func() {
		logger.Printf("http api listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	server.Stop()
	grpcTransport.Stop()
	logger.Println("shutdown complete")
}

func parsePeers(raw string) (map[raft.PeerID]string, []raft.PeerID) {
	addrs := make(map[raft.PeerID]string)
	var ids []raft.PeerID
	if raw == "" {
		return addrs, ids
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id := raft.PeerID(parts[0])
		addrs[id] = parts[1]
		ids = append(ids, id)
	}
	return addrs, ids
}

// joinViaGRPC attempts add_follower against each known peer in turn,
// following leader redirects, until one accepts us.
func joinViaGRPC(cfg *raft.Config, t *transport.GRPC, peers []raft.PeerID) (*raft.Server, error) {
	if len(peers) == 0 {
		return nil, raft.ErrEmptyPeerList
	}
	return raft.JoinExistingConsensusGroup(cfg, peers, func(target raft.PeerID) (raft.InstallSnapshot, error) {
		return t.RequestJoin(target, cfg.Self)
	})
}

// Package commands wires configuration into running nodes, one entry point
// per subcommand.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"shoal/auth"
	"shoal/client"
	"shoal/config"
	"shoal/datastore/filecatalog"
	"shoal/datastore/flatfs"
	"shoal/datastore/jobqueue"
	"shoal/gateway"
	"shoal/queue"
	"shoal/shard"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a default config file.
func RunInit(configFile string) error {
	cfg := config.NewEmptyConfig()
	if err := cfg.Save(configFile); err != nil {
		return fmt.Errorf("writing %s: %w", configFile, err)
	}
	log.Infof("Wrote default configuration to %s", configFile)
	return nil
}

// RunGateway starts the HTTP gateway and blocks until ctx is cancelled.
func RunGateway(ctx context.Context, cfg *config.Config) error {
	gcfg := cfg.Gateway

	cat, err := filecatalog.Open(gcfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	shards := make([]gateway.ChunkStore, len(gcfg.Shards))
	for i, addr := range gcfg.Shards {
		shards[i] = client.NewShardClient(addr)
	}

	gw, err := gateway.New(cat, shards, gcfg.ChunkSize, gcfg.RequestTimeout.Std(), gcfg.MaxParallelChunks)
	if err != nil {
		return err
	}

	api := gateway.NewAPI(gw, auth.NewStatic(gcfg.Users))
	srv := &http.Server{
		Addr:    gcfg.ListenAddress,
		Handler: api.Router(),
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Infof("Gateway listening on %s with %d shards", gcfg.ListenAddress, len(shards))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		return srv.Shutdown(context.Background())
	})
	return grp.Wait()
}

// RunShard starts a shard node and blocks until ctx is cancelled.
func RunShard(ctx context.Context, cfg *config.Config) error {
	scfg := cfg.Shard

	store, err := flatfs.New(scfg.DataPath)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer store.Close()

	var backup shard.Replicator
	if scfg.BackupAddress != "" {
		backup = client.NewShardClient(scfg.BackupAddress)
	}
	var jq shard.JobQueue
	if scfg.QueueAddress != "" {
		jq = client.NewQueueClient(scfg.QueueAddress)
	}

	node, err := shard.NewNode(store, backup, jq, shard.Options{
		Role:         scfg.Role,
		Replication:  scfg.Replication,
		Channel:      scfg.Channel,
		Timeout:      scfg.RequestTimeout.Std(),
		PollInterval: scfg.PollInterval.Std(),
		PollBatch:    scfg.PollBatch,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", scfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", scfg.ListenAddress, err)
	}

	return node.Run(ctx, listener)
}

// RunQueue starts the replication queue and blocks until ctx is cancelled.
func RunQueue(ctx context.Context, cfg *config.Config) error {
	qcfg := cfg.Queue

	store, err := jobqueue.Open(qcfg.StorePath, qcfg.Lease.Std())
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	listener, err := net.Listen("tcp", qcfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", qcfg.ListenAddress, err)
	}

	return queue.NewService(store).Run(ctx, listener)
}

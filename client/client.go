// Package client provides typed clients for the shard and queue RPC
// services. Connections are dialed per call and closed when the call
// completes; peers are expected to be few and calls infrequent enough that
// pooling is not worth the bookkeeping.
package client

import (
	"context"
	"time"

	"shoal/chunkkey"
	"shoal/datamodel/job"
	"shoal/net/crpc"
	"shoal/protocol"
)

const DefaultDialTimeout = 5 * time.Second

// ShardClient talks to a shard's RPC endpoint.
type ShardClient struct {
	address     string
	dialTimeout time.Duration
}

func NewShardClient(address string) *ShardClient {
	return &ShardClient{
		address:     address,
		dialTimeout: DefaultDialTimeout,
	}
}

func (c *ShardClient) Address() string {
	return c.address
}

func (c *ShardClient) PutChunk(ctx context.Context, key chunkkey.Key, data []byte) error {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	req := &protocol.PutChunkRequest{Key: key, Data: data}
	return client.Call(ctx, "Server.PutChunk", req, &protocol.PutChunkResponse{})
}

func (c *ShardClient) GetChunk(ctx context.Context, key chunkkey.Key) ([]byte, error) {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp := &protocol.GetChunkResponse{}
	if err := client.Call(ctx, "Server.GetChunk", &protocol.GetChunkRequest{Key: key}, resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *ShardClient) DeleteChunks(ctx context.Context, keys []chunkkey.Key) (int, error) {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	resp := &protocol.DeleteChunksResponse{}
	if err := client.Call(ctx, "Server.DeleteChunks", &protocol.DeleteChunksRequest{Keys: keys}, resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// QueueClient talks to the replication queue's RPC endpoint.
type QueueClient struct {
	address     string
	dialTimeout time.Duration
}

func NewQueueClient(address string) *QueueClient {
	return &QueueClient{
		address:     address,
		dialTimeout: DefaultDialTimeout,
	}
}

func (c *QueueClient) Address() string {
	return c.address
}

func (c *QueueClient) Enqueue(ctx context.Context, target string, body []byte) (uint64, error) {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	resp := &protocol.EnqueueResponse{}
	if err := client.Call(ctx, "Server.Enqueue", &protocol.EnqueueRequest{Target: target, Body: body}, resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *QueueClient) Dequeue(ctx context.Context, target string, max int) ([]*job.Job, error) {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp := &protocol.DequeueResponse{}
	if err := client.Call(ctx, "Server.Dequeue", &protocol.DequeueRequest{Target: target, Max: max}, resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *QueueClient) Ack(ctx context.Context, target string, id uint64) error {
	client, err := crpc.DialTimeout("tcp", c.address, c.dialTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call(ctx, "Server.Ack", &protocol.AckRequest{Target: target, ID: id}, &protocol.AckResponse{})
}

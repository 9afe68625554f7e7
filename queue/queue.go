// Package queue exposes a job.JobStore over RPC. It is the durable hand-off
// between a primary shard and its backup: the primary parks replication jobs
// here and the backup drains them on its own schedule.
package queue

import (
	"context"
	"net"

	"shoal/datamodel/job"
	"shoal/net/crpc"
	"shoal/protocol"

	log "github.com/sirupsen/logrus"
)

type Service struct {
	store job.JobStore
}

func NewService(store job.JobStore) *Service {
	return &Service{store: store}
}

// Server is the RPC face of the queue service.
type Server struct {
	svc *Service
}

func (s *Server) Enqueue(args *protocol.EnqueueRequest, reply *protocol.EnqueueResponse) error {
	id, err := s.svc.store.Enqueue(args.Target, args.Body)
	if err != nil {
		return err
	}
	log.Debugf("queue: enqueued job %d on %q (%d bytes)", id, args.Target, len(args.Body))
	reply.ID = id
	return nil
}

func (s *Server) Dequeue(args *protocol.DequeueRequest, reply *protocol.DequeueResponse) error {
	jobs, err := s.svc.store.Dequeue(args.Target, args.Max)
	if err != nil {
		return err
	}
	reply.Jobs = jobs
	return nil
}

func (s *Server) Ack(args *protocol.AckRequest, reply *protocol.AckResponse) error {
	return s.svc.store.Ack(args.Target, args.ID)
}

// Run serves RPC on the listener until the context is cancelled.
func (s *Service) Run(ctx context.Context, listener net.Listener) error {
	srv := crpc.NewServer(listener)
	if err := srv.Register(&Server{svc: s}); err != nil {
		return err
	}

	log.Infof("queue: serving on %s", listener.Addr())
	return srv.Serve(ctx)
}

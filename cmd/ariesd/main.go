// Command ariesd is the long-running environment daemon: it opens one
// ariaskv environment (running recovery first), starts its background
// checkpoint daemon, and exposes a minimal gRPC admin surface — a
// standard health check and a Checkpoint RPC — for operators and
// orchestrators to drive it remotely. Flag-based startup and manual gRPC
// service registration follow cmd/server's own approach; no protobuf
// generation step is used.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ariaskv/ariaskv/config"
	"github.com/ariaskv/ariaskv/internal/env"
)

var (
	flagHome   = flag.String("home", "", "environment root directory (contains log/ and store/ subdirectories)")
	flagConfig = flag.String("config", "", "optional YAML config file (overrides -home's defaults)")
	flagGRPC   = flag.String("grpc", ":9091", "gRPC listen address (empty to disable)")
	flagFatal  = flag.Bool("fatal", false, "run full recovery from the start of the log on startup, ignoring any checkpoint")
)

// checkpointRequest/checkpointResponse are the Checkpoint RPC's payload,
// carried over the teacher's manual JSON codec rather than protobuf.
type checkpointRequest struct{}

type checkpointResponse struct {
	LSN string `json:"lsn"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// AdminServer is the service a *daemon implements, manually registered
// against grpc.Server the same way cmd/server registers TinySQLServer.
type AdminServer interface {
	Checkpoint(context.Context, *checkpointRequest) (*checkpointResponse, error)
}

func registerAdminServer(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ariaskv.Admin",
		HandlerType: (*AdminServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Checkpoint", Handler: _Admin_Checkpoint_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "ariaskv",
	}, srv)
}

func _Admin_Checkpoint_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(checkpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Checkpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ariaskv.Admin/Checkpoint"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Checkpoint(ctx, req.(*checkpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// daemon holds the open environment the admin RPCs operate on.
type daemon struct {
	e *env.Env
}

func (d *daemon) Checkpoint(ctx context.Context, req *checkpointRequest) (*checkpointResponse, error) {
	lsn, err := d.e.Checkpoint()
	if err != nil {
		return nil, err
	}
	return &checkpointResponse{LSN: lsn.String()}, nil
}

func loadConfig() (*config.Config, error) {
	if *flagConfig != "" {
		return config.Load(*flagConfig)
	}
	if *flagHome == "" {
		return nil, fmt.Errorf("one of -home or -config is required")
	}
	return &config.Config{
		LogDir:   *flagHome + "/log",
		StoreDir: *flagHome + "/store",
	}, nil
}

// runHealthUpdater polls the environment's health every interval and
// reflects it into the gRPC health service, which the teacher's own
// gRPC wiring otherwise has no periodic refresh mechanism for.
func runHealthUpdater(ctx context.Context, e *env.Env, hs *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if !e.Healthy() {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("ariaskv.Admin", status)
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("ariesd: %v", err)
	}

	e := env.NewEnv(cfg)
	flags := env.Create | env.Recover
	if *flagFatal {
		flags = env.Create | env.RecoverFatal
	}
	if err := e.Open(flags); err != nil {
		log.Fatalf("ariesd: open environment: %v", err)
	}
	defer e.Close()

	encoding.RegisterCodec(jsonCodec{})

	hs := health.NewServer()
	hs.SetServingStatus("ariaskv.Admin", healthpb.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithCancel(context.Background())
	go runHealthUpdater(ctx, e, hs, 5*time.Second)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if *flagGRPC == "" {
		<-sig
		cancel()
		return
	}

	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("ariesd: gRPC listen: %v", err)
	}
	gs := grpc.NewServer()
	registerAdminServer(gs, &daemon{e: e})
	healthpb.RegisterHealthServer(gs, hs)

	go func() {
		log.Printf("ariesd: gRPC listening on %s", *flagGRPC)
		if err := gs.Serve(lis); err != nil {
			log.Printf("ariesd: gRPC serve error: %v", err)
		}
	}()

	<-sig
	log.Println("ariesd: shutting down")
	cancel()
	gs.GracefulStop()
}

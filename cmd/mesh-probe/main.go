// Command mesh-probe drives a single mesh.Call against a service/operation
// pair and prints the outcome, for manually exercising a configured mesh
// against a real or mock backend. It is an example, not part of the
// reliability core: the core never invents its own CLI or wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	meshlib "github.com/datapunk/mesh"
	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
)

var (
	configFile = flag.String("config", "", "Path to a mesh config file (optional; env/defaults otherwise)")
	service    = flag.String("service", "", "Target service name")
	operation  = flag.String("operation", "", "Target operation name")
	priority   = flag.String("priority", "normal", "Request priority: bulk|low|normal|high|critical")
	timeout    = flag.Duration("timeout", 10*time.Second, "Overall call timeout")
)

func main() {
	flag.Parse()

	if *service == "" || *operation == "" {
		fmt.Println("Error: -service and -operation are required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load mesh config: %v", err)
	}

	var redisClient redis.UniversalClient
	if cfg.Discovery.Backend == "registry" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Discovery.RegistryURL})
		defer redisClient.Close()
	}

	m, err := meshlib.New(cfg, meshlib.Deps{
		Transport:   echoTransport,
		RedisClient: redisClient,
	})
	if err != nil {
		log.Fatalf("Failed to construct mesh: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received termination signal, cancelling probe...")
		cancel()
	}()

	result, err := m.Call(ctx, *service, *operation, nil, meshlib.CallOptions{Priority: parsePriority(*priority)})
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}
	fmt.Printf("Call succeeded: %v\n", result)
}

// echoTransport is a placeholder transport for ad-hoc probing; a real host
// process supplies its own RPC/HTTP client here instead.
func echoTransport(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
	return fmt.Sprintf("ok: %s.%s", service, operation), nil
}

func parsePriority(s string) meshtypes.Priority {
	switch s {
	case "bulk":
		return meshtypes.PriorityBulk
	case "low":
		return meshtypes.PriorityLow
	case "high":
		return meshtypes.PriorityHigh
	case "critical":
		return meshtypes.PriorityCritical
	case "normal":
		fallthrough
	default:
		return meshtypes.PriorityNormal
	}
}

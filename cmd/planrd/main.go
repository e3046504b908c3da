package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atunbixx/Planr-sub008/pkg/api"
	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/coordinator"
	ccrypto "github.com/atunbixx/Planr-sub008/pkg/consensus/crypto"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/manager"
	"github.com/atunbixx/Planr-sub008/pkg/monitor"
	"github.com/atunbixx/Planr-sub008/pkg/registry"
	"github.com/atunbixx/Planr-sub008/pkg/transport"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// node bundles one replica's components
type node struct {
	id    string
	reg   *registry.Registry
	coord *coordinator.Coordinator
	mgr   *manager.Manager
	mon   *monitor.Monitor
	bus   *events.Bus
}

func main() {
	// best effort, missing .env is fine
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatalf("planrd: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := utils.NewLogger(utils.DefaultLogConfig())
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Shutdown() }()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	audit, err := utils.NewAuditLogger(utils.DefaultAuditConfig())
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	defer func() { _ = audit.Close() }()

	configMgr := utils.NewEnvConfigManager()
	clusterSize := configMgr.GetIntRange("CLUSTER_SIZE", 4, 1, 16)
	seedHex := configMgr.GetString("NODE_ID_SEED", "")

	// One in-process cluster: the real network transport is provided by
	// the surrounding platform, planrd runs the replicas side by side.
	network := transport.NewNetwork()
	nodes := make([]*node, 0, clusterSize)

	identities := make([]*ccrypto.Identity, clusterSize)
	nodeIDs := make([]string, clusterSize)
	for i := 0; i < clusterSize; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
		identities[i], err = deriveIdentity(seedHex, i)
		if err != nil {
			return fmt.Errorf("derive identity for %s: %w", nodeIDs[i], err)
		}
	}

	for i := 0; i < clusterSize; i++ {
		n, err := buildNode(ctx, nodeIDs[i], identities[i], cfg, network, nodeIDs, identities, logger, audit)
		if err != nil {
			return fmt.Errorf("build %s: %w", nodeIDs[i], err)
		}
		nodes = append(nodes, n)
	}

	var kafkaPub *transport.Publisher
	if cfg.Kafka.Enabled {
		kafkaPub, err = transport.NewPublisher(ctx, cfg.Kafka, nodes[0].bus, logger, audit)
		if err != nil {
			// control plane is optional, the engine runs without it
			logger.Warn("kafka publisher unavailable", utils.ZapError(err))
		} else {
			defer func() { _ = kafkaPub.Close() }()
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, nodes[0].mgr, nodes[0].mon, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server stopped", utils.ZapError(err))
			}
		}()
	}

	logger.Info("planrd started",
		utils.ZapInt("cluster_size", clusterSize),
		utils.ZapInt("fault_tolerance", nodes[0].reg.FaultTolerance()),
		utils.ZapInt("quorum", nodes[0].reg.Quorum()))
	_ = audit.Info("engine_started", map[string]interface{}{
		"cluster_size": clusterSize,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Stop(shutdownCtx)
		shutdownCancel()
	}
	for _, n := range nodes {
		n.mgr.Shutdown()
		n.mon.Stop()
		n.reg.Stop()
		n.bus.Close()
	}
	_ = audit.Info("engine_stopped", nil)
	return nil
}

// buildNode wires one replica: bus, registry with the full peer set,
// coordinator, manager with the platform's request handlers, monitor
func buildNode(
	ctx context.Context,
	nodeID string,
	identity *ccrypto.Identity,
	cfg *config.Config,
	network *transport.Network,
	peerIDs []string,
	peerIdentities []*ccrypto.Identity,
	logger *utils.Logger,
	audit *utils.AuditLogger,
) (*node, error) {
	bus := events.NewBus(logger)
	reg := registry.New(cfg.Consensus, bus, logger, audit)
	for i, id := range peerIDs {
		if err := reg.Register(id, peerIdentities[i].PublicKey()); err != nil {
			return nil, err
		}
	}
	reg.Start(ctx)

	endpoint := network.Join(nodeID)
	coord, err := coordinator.New(nodeID, identity, cfg.Consensus, reg, endpoint, bus, logger, audit)
	if err != nil {
		return nil, err
	}

	mgr := manager.New(cfg.Manager, coord, bus, logger, audit)
	registerHandlers(mgr, logger)

	mon := monitor.New(cfg.Monitor, reg, bus, logger, audit)
	mon.Start(ctx)

	return &node{id: nodeID, reg: reg, coord: coord, mgr: mgr, mon: mon, bus: bus}, nil
}

// registerHandlers installs the platform request executors. The engine
// treats payloads as opaque; these handlers hand them to the
// application layer.
func registerHandlers(mgr *manager.Manager, logger *utils.Logger) {
	for _, requestType := range []string{
		"wedding-update",
		"vendor-booking",
		"payment-confirm",
		"guest-rsvp",
	} {
		rt := requestType
		mgr.RegisterHandler(rt, func(ctx context.Context, req *manager.Request) error {
			logger.Info("request applied",
				utils.ZapString("type", rt),
				utils.ZapString("request_id", req.ID),
				utils.ZapInt("payload_bytes", len(req.Data)))
			return nil
		})
	}
}

// deriveIdentity produces a deterministic per-node identity from the
// configured seed, or a random one in development
func deriveIdentity(seedHex string, index int) (*ccrypto.Identity, error) {
	if seedHex == "" {
		return ccrypto.GenerateIdentity()
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", seedHex, index)))
	return ccrypto.IdentityFromSeed(h[:])
}

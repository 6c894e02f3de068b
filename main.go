package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"hyperseeder/internal/config"
	"hyperseeder/pkg/api"
	"hyperseeder/pkg/eviction"
	"hyperseeder/pkg/kv"
	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/metrics"
	"hyperseeder/pkg/protocol"
	"hyperseeder/pkg/seeder"
	"hyperseeder/pkg/swarm"
)

type BootstrapConfig struct {
	BootstrapKind        string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" help:"Kind of bootsrapper to use, dns, http or static."`
	DNSBootstrapDomain   string   `arg:"--dns-bootstrap-domain,env:DNS_BOOTSTRAP_DOMAIN" help:"Domain to use when bootstrapping using DNS."`
	HTTPBootstrapAddr    string   `arg:"--http-bootstrap-addr,env:HTTP_BOOTSTRAP_ADDR" help:"Address to serve for HTTP bootstrap."`
	HTTPBootstrapPeer    string   `arg:"--http-bootstrap-peer,env:HTTP_BOOTSTRAP_PEER" help:"Peer to HTTP bootstrap with."`
	StaticBootstrapPeers []string `arg:"--static-bootstrap-peers,env:STATIC_BOOTSTRAP_PEERS" help:"Static list of peers to bootstrap with."`
}

type SeedCmd struct {
	BootstrapConfig
	Config        string `arg:"--config,env:CONFIG" help:"Path to an optional TOML configuration file."`
	StoragePath   string `arg:"--storage-path,env:STORAGE_PATH" help:"Directory where logs and records are persisted."`
	DBName        string `arg:"--db-name,env:DB_NAME" help:"Name of the record database."`
	SwarmAddr     string `arg:"--swarm-addr,env:SWARM_ADDR" help:"Address the swarm host listens on."`
	TopicKey      string `arg:"--topic-key,env:TOPIC_KEY" help:"Hex encoded rendezvous topic."`
	Seed          string `arg:"--seed,env:SEED" help:"Hex encoded 32 byte seed for the swarm identity."`
	HTTPAddr      string `arg:"--http-addr,env:HTTP_ADDR" help:"Address to serve the HTTP API."`
	MetricsAddr   string `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
	EmptyLifespan string `arg:"--empty-lifespan,env:EMPTY_LIFESPAN" help:"How long a log may stay empty before it is evicted."`
	FullLifespan  string `arg:"--full-lifespan,env:FULL_LIFESPAN" help:"How long a log may go without updates before it is evicted."`
}

type BootstrapCmd struct {
	BootstrapConfig
	SwarmAddr string `arg:"--swarm-addr,env:SWARM_ADDR" default:":4001" help:"Address the bootstrap node listens on."`
	DataDir   string `arg:"--data-dir,env:DATA_DIR" default:"/var/lib/hyperseeder" help:"Directory where the node identity is persisted."`
	Seed      string `arg:"--seed,env:SEED" help:"Hex encoded 32 byte seed for the node identity."`
}

type SeedAddCmd struct {
	Remote string `arg:"--remote,required,env:REMOTE" help:"Multiaddress or peer id of the remote seeder."`
	Key    string `arg:"positional,required" help:"Hex encoded public key of the log."`
}

type SeedRemoveCmd struct {
	Remote string `arg:"--remote,required,env:REMOTE" help:"Multiaddress or peer id of the remote seeder."`
	Key    string `arg:"positional,required" help:"Hex encoded public key of the log."`
}

type AppendCmd struct {
	BootstrapConfig
	StoragePath string        `arg:"--storage-path,env:STORAGE_PATH" default:"./writer" help:"Directory where the log is persisted."`
	SwarmAddr   string        `arg:"--swarm-addr,env:SWARM_ADDR" default:":0" help:"Address the swarm host listens on."`
	LogSeed     string        `arg:"--log-seed,required,env:LOG_SEED" help:"Hex encoded 32 byte seed of the log signing key."`
	Interval    time.Duration `arg:"--interval,env:INTERVAL" default:"5s" help:"Interval between appends, zero appends once."`
	Blocks      []string      `arg:"positional" help:"Blocks to append."`
}

type Arguments struct {
	Seed       *SeedCmd       `arg:"subcommand:seed"`
	Bootstrap  *BootstrapCmd  `arg:"subcommand:bootstrap"`
	SeedAdd    *SeedAddCmd    `arg:"subcommand:seed-add"`
	SeedRemove *SeedRemoveCmd `arg:"subcommand:seed-remove"`
	Append     *AppendCmd     `arg:"subcommand:append"`
	LogLevel   slog.Level     `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	klog.SetLogger(log)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	switch {
	case args.Seed != nil:
		return seedCommand(ctx, args.Seed)
	case args.Bootstrap != nil:
		return bootstrapCommand(ctx, args.Bootstrap)
	case args.SeedAdd != nil:
		return seedAddCommand(ctx, args.SeedAdd)
	case args.SeedRemove != nil:
		return seedRemoveCommand(ctx, args.SeedRemove)
	case args.Append != nil:
		return appendCommand(ctx, args.Append)
	default:
		return errors.New("unknown subcommand")
	}
}

func seedCommand(ctx context.Context, args *SeedCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	file, err := config.Load(afero.NewOsFs(), args.Config)
	if err != nil {
		return err
	}
	storagePath := config.FirstNonEmpty(args.StoragePath, file.Store.Path, "/var/lib/hyperseeder")
	dbName := config.FirstNonEmpty(args.DBName, file.Store.DBName, "seeds")
	swarmAddr := config.FirstNonEmpty(args.SwarmAddr, file.Swarm.Addr, ":4001")
	topicKey := config.FirstNonEmpty(args.TopicKey, file.Swarm.TopicKey, seeder.DefaultTopic)
	identitySeed := config.FirstNonEmpty(args.Seed, file.Swarm.Seed)
	httpAddr := config.FirstNonEmpty(args.HTTPAddr, file.HTTP.Addr, ":3000")
	policy := eviction.NewPolicy(
		config.FirstNonEmpty(args.EmptyLifespan, file.Lifespan.Empty, eviction.DefaultEmptyLifespan),
		config.FirstNonEmpty(args.FullLifespan, file.Lifespan.Full, eviction.DefaultFullLifespan),
	)
	bootstrapCfg := args.BootstrapConfig
	if bootstrapCfg.BootstrapKind == "" && len(bootstrapCfg.StaticBootstrapPeers) == 0 {
		bootstrapCfg.StaticBootstrapPeers = file.Swarm.Bootstrap
	}

	// Storage
	kvStore, err := kv.NewLevelDB(filepath.Join(storagePath, "db"), dbName)
	if err != nil {
		return err
	}

	// Swarm
	bootstrapper, err := getBootstrapper(bootstrapCfg)
	if err != nil {
		return errors.Join(err, kvStore.Close())
	}
	sw, err := swarm.New(ctx, swarmAddr, bootstrapper, swarm.WithDataDir(storagePath), swarm.WithSeed(identitySeed))
	if err != nil {
		return errors.Join(err, kvStore.Close())
	}
	g.Go(func() error {
		return sw.Run(ctx)
	})
	logs, err := logstore.New(ctx, sw.Host(), kvStore.Datastore())
	if err != nil {
		return errors.Join(err, sw.Destroy(), kvStore.Close())
	}

	// Seeder
	sd, err := seeder.New(ctx, sw, logs, kvStore, seeder.WithTopic(topicKey), seeder.WithPolicy(policy))
	if err != nil {
		return errors.Join(err, logs.Close(), sw.Destroy(), kvStore.Close())
	}

	// Metrics
	metrics.Register()
	serveMetrics(ctx, g, args.MetricsAddr)

	// Requests are only accepted once the seeder is open.
	err = sd.Open(ctx)
	if err != nil {
		return errors.Join(err, sd.Close(), kvStore.Close())
	}
	log.Info("seeder is open", "swarm", sw.Self())

	// Seeding protocol
	rpc := protocol.New(ctx, sw.Host())
	err = protocol.Serve(rpc, sd)
	if err != nil {
		return errors.Join(err, rpc.Close(), sd.Close(), kvStore.Close())
	}

	// HTTP API
	apiOpts := []api.APIOption{
		api.WithLogger(log),
		api.WithBaseContext(ctx),
	}
	a, err := api.NewAPI(sd, apiOpts...)
	if err != nil {
		return errors.Join(err, rpc.Close(), sd.Close(), kvStore.Close())
	}
	apiSrv := &http.Server{
		Addr:    httpAddr,
		Handler: a.Handler(),
	}
	g.Go(func() error {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Join(apiSrv.Shutdown(shutdownCtx), rpc.Close(), sd.Close(), kvStore.Close())
	})

	log.Info("running seeder", "http", httpAddr, "swarm", swarmAddr, "storage", storagePath)
	return g.Wait()
}

func bootstrapCommand(ctx context.Context, args *BootstrapCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	bootstrapper, err := getBootstrapper(args.BootstrapConfig)
	if err != nil {
		return err
	}
	sw, err := swarm.New(ctx, args.SwarmAddr, bootstrapper, swarm.WithDataDir(args.DataDir), swarm.WithSeed(args.Seed))
	if err != nil {
		return err
	}
	g.Go(func() error {
		return sw.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return sw.Destroy()
	})
	log.Info("bootstrap node started", "addr", sw.Self())
	return g.Wait()
}

func seedAddCommand(ctx context.Context, args *SeedAddCmd) error {
	return callRemote(ctx, func(p *protocol.Protocol) (string, error) {
		return p.SeedAdd(ctx, args.Remote, args.Key)
	})
}

func seedRemoveCommand(ctx context.Context, args *SeedRemoveCmd) error {
	return callRemote(ctx, func(p *protocol.Protocol) (string, error) {
		return p.SeedRemove(ctx, args.Remote, args.Key)
	})
}

func callRemote(ctx context.Context, call func(p *protocol.Protocol) (string, error)) error {
	log := logr.FromContextOrDiscard(ctx)
	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		return fmt.Errorf("could not create host: %w", err)
	}
	p := protocol.New(ctx, h)
	reply, err := call(p)
	if err != nil {
		return errors.Join(err, p.Close(), h.Close())
	}
	log.Info("remote replied", "reply", reply)
	return errors.Join(p.Close(), h.Close())
}

// appendCommand writes blocks to a log and announces it until stopped.
func appendCommand(ctx context.Context, args *AppendCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	seed, err := hex.DecodeString(args.LogSeed)
	if err != nil {
		return fmt.Errorf("could not decode log seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("log seed must be %d bytes", ed25519.SeedSize)
	}
	kvStore, err := kv.NewLevelDB(filepath.Join(args.StoragePath, "db"), "writer")
	if err != nil {
		return err
	}
	bootstrapper, err := getBootstrapper(args.BootstrapConfig)
	if err != nil {
		return errors.Join(err, kvStore.Close())
	}
	sw, err := swarm.New(ctx, args.SwarmAddr, bootstrapper, swarm.WithDataDir(args.StoragePath))
	if err != nil {
		return errors.Join(err, kvStore.Close())
	}
	g.Go(func() error {
		return sw.Run(ctx)
	})
	logs, err := logstore.New(ctx, sw.Host(), kvStore.Datastore())
	if err != nil {
		return errors.Join(err, sw.Destroy(), kvStore.Close())
	}
	sw.OnConnection(logs.Replicate)
	g.Go(func() error {
		<-ctx.Done()
		return errors.Join(logs.Close(), sw.Destroy(), kvStore.Close())
	})

	h, err := logs.Create(ctx, ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return err
	}
	blocks := [][]byte{}
	for _, b := range args.Blocks {
		blocks = append(blocks, []byte(b))
	}
	if len(blocks) > 0 {
		if _, err := h.Append(ctx, blocks...); err != nil {
			return err
		}
	}
	discoveryKey := h.DiscoveryKey()
	log.Info("log ready", "publicKey", h.Key().String(), "discoveryKey", hex.EncodeToString(discoveryKey[:]), "length", h.Length())
	err = sw.Join(ctx, discoveryKey[:], swarm.JoinOptions{Server: true, Client: true})
	if err != nil {
		return err
	}

	if args.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(args.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					length, err := h.Append(ctx, []byte("hello"), []byte("delayed"))
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					log.Info("appended blocks", "length", length)
				}
			}
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	metricsSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
}

func getBootstrapper(cfg BootstrapConfig) (swarm.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.BootstrapKind {
	case "dns":
		return swarm.NewDNSBootstrapper(cfg.DNSBootstrapDomain, 10), nil
	case "http":
		return swarm.NewHTTPBootstrapper(cfg.HTTPBootstrapAddr, cfg.HTTPBootstrapPeer), nil
	case "static", "":
		return swarm.NewStaticBootstrapperFromStrings(cfg.StaticBootstrapPeers)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.BootstrapKind)
	}
}

// Command server is the CMDB core process: it wires the graph gateway,
// the weighted/temporal/conditional relationship engines, the job
// fabric, the rate-limit admission layer, and the progress pub/sub hub
// behind a single Echo HTTP server, then runs until asked to stop.
//
// Configuration is layered the way the teacher's CLI layers it —
// command-line flags over environment variables over defaults — except
// the environment-variable layer is cmdbgraph.io/core/config's
// EnvConfig rather than Viper's nested YAML model, since this process
// has no config-file deployment story to support.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/conditional"
	"cmdbgraph.io/core/config"
	"cmdbgraph.io/core/graphgateway"
	"cmdbgraph.io/core/httpapi"
	"cmdbgraph.io/core/jobqueue"
	"cmdbgraph.io/core/kvstore"
	"cmdbgraph.io/core/progress"
	"cmdbgraph.io/core/ratelimit"
	"cmdbgraph.io/core/relationship"
	"cmdbgraph.io/core/temporal"
	"cmdbgraph.io/core/topogen"
)

// cfgFile holds the path passed via --config; when empty, Viper's
// environment fallback below is the only source that flag tier covers
// (CMDB_PREFIXed variables remain the primary configuration channel).
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cmdb-server",
	Short: "CMDB core API server",
	Long: `cmdb-server runs the configuration management database core process:
a property-graph CMDB backed by Neo4j, with weighted/temporal/
conditional relationship engines, a durable job fabric for synthetic
topology generation, a windowed rate-limit admission layer, and a
websocket progress feed, exposed over a single REST API.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initViperOverrides)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "unused placeholder for a future config file; present for parity with flag-driven overrides below")
	rootCmd.PersistentFlags().String("port", "", "HTTP server port (overrides CMDB_PORT)")
	rootCmd.PersistentFlags().String("neo4j-uri", "", "Neo4j bolt URI (overrides CMDB_NEO4J_URI)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address (overrides CMDB_REDIS_ADDR)")
	rootCmd.PersistentFlags().String("amqp-url", "", "AMQP broker URL (overrides CMDB_AMQP_URL)")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("neo4j_uri", rootCmd.PersistentFlags().Lookup("neo4j-uri"))
	viper.BindPFlag("redis_addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("amqp_url", rootCmd.PersistentFlags().Lookup("amqp-url"))
}

// initViperOverrides seeds the process environment from any
// command-line flags the operator set, so config.ConfigLoader (which
// only ever reads os.Getenv) picks them up without a second
// configuration code path.
func initViperOverrides() {
	viper.AutomaticEnv()

	overrides := map[string]string{
		"port":       "CMDB_PORT",
		"neo4j_uri":  "CMDB_NEO4J_URI",
		"redis_addr": "CMDB_REDIS_ADDR",
		"amqp_url":   "CMDB_AMQP_URL",
	}
	for viperKey, envKey := range overrides {
		if v := viper.GetString(viperKey); v != "" {
			os.Setenv(envKey, v)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.NewConfigLoader("CMDB").LoadAll()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Service.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := graphgateway.NewNeo4jGateway(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to graph store")
	}
	defer gateway.Close(context.Background())

	kv, err := kvstore.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to redis")
	}
	defer kv.Close()

	broker, err := jobqueue.NewBroker(cfg.AMQP.URL, cfg.AMQP.QueueName, &jobqueue.RealAMQPDialer{}, kv)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to job broker")
	}
	defer broker.Close()

	cis := cmdb.NewRepository(gateway)
	rels := relationship.NewService(gateway)
	temporalSvc := temporal.NewService(gateway)

	conditionalStore := conditional.NewGatewayStore(gateway)
	conditionalBus := conditional.NewInProcessBus()
	conditionalEngine := conditional.NewEngine(conditionalStore, conditionalBus, 0)
	conditionalEngine.Start(ctx)
	defer conditionalEngine.Stop()

	hub := progress.NewHub()
	generator := topogen.NewSyntheticGenerator(cis, rels)
	workerPool := jobqueue.NewWorkerPool(broker, generator, hub, jobqueue.DefaultWorkerPoolConfig())
	if err := workerPool.Start(ctx, 2); err != nil {
		logrus.WithError(err).Fatal("failed to start job worker pool")
	}
	defer workerPool.Stop()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				broker.ReapHistory()
			}
		}
	}()

	limits := ratelimit.Limits{
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Read:        int64(cfg.RateLimit.ReadLimit),
		Write:       int64(cfg.RateLimit.WriteLimit),
		Expensive:   int64(cfg.RateLimit.ExpensiveLimit),
		Destructive: int64(cfg.RateLimit.DestructiveLimit),
	}
	limiter := ratelimit.NewLimiter(kv, limits, cfg.RateLimit.ProcessTokensPerSec, cfg.RateLimit.ProcessBurst)

	serverCfg := httpapi.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       cfg.Server.BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
	}
	e := httpapi.NewEchoServer(serverCfg)

	e.GET("/health", httpapi.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version, func() map[string]interface{} {
		details := map[string]interface{}{"graph": "ok"}
		if _, err := gateway.RunRead(context.Background(), "RETURN 1", nil); err != nil {
			details["graph"] = "unreachable"
		}
		return details
	}))

	httpapi.Register(e, httpapi.Dependencies{
		CIs:           cis,
		Relationships: rels,
		Temporal:      temporalSvc,
		Conditional:   conditionalEngine,
		Jobs:          broker,
		Progress:      hub,
		Limiter:       limiter,
	})

	go func() {
		if err := httpapi.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutdown signal received, draining")
	cancel()

	if err := httpapi.GracefulShutdown(e, cfg.Server.ShutdownTimeout); err != nil {
		logrus.WithError(err).Error("server shutdown did not complete cleanly")
	}
}

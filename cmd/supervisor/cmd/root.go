package cmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/backend/docker"
	"github.com/cloudforet-io/supervisor/pkg/backend/kubernetes"
	"github.com/cloudforet-io/supervisor/pkg/config"
	"github.com/cloudforet-io/supervisor/pkg/health"
	"github.com/cloudforet-io/supervisor/pkg/lock"
	"github.com/cloudforet-io/supervisor/pkg/pluginservice"
	"github.com/cloudforet-io/supervisor/pkg/portalloc"
	"github.com/cloudforet-io/supervisor/pkg/reconcile"
	"github.com/cloudforet-io/supervisor/pkg/repository"
	"github.com/cloudforet-io/supervisor/pkg/scheduler"
	"github.com/cloudforet-io/supervisor/pkg/token"
	"github.com/cloudforet-io/supervisor/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "supervisor [options]",
	Short: "SpaceONE plugin supervisor",
	Long: `
SpaceONE plugin supervisor

  # show this help
  supervisor -h

  # shows version information
  supervisor --version

  # run against a config file
  supervisor --config /etc/supervisor/config.yaml

The supervisor reconciles a desired plugin set pulled from the Plugin
Service against a container backend (Docker or Kubernetes), on two
independent schedules: sync (install/recover/delete) and publish
(inventory heartbeat).`,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("version") {
			fmt.Println(version.Version)
			return
		}
		initLogging()

		if err := run(); err != nil {
			klog.Errorf("supervisor exited with error: %v", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and quit")
	rootCmd.Flags().IntP("log-level", "", 2, "Set the log level (from 0 to 9)")
	rootCmd.Flags().StringP("config", "c", "", "Path to a config file (YAML)")
	rootCmd.Flags().IntP("health-port", "", 8080, "Port to serve /healthz and /readyz on")
	_ = viper.BindPFlags(rootCmd.Flags())

	viper.SetEnvPrefix("supervisor")
	viper.AutomaticEnv()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

func initLogging() {
	logLevel := viper.GetInt("log-level")
	if logLevel < 0 {
		logLevel = 2
	}

	logConfig := textlogger.NewConfig(
		textlogger.Output(os.Stderr),
		textlogger.Verbosity(logLevel),
	)
	logger := textlogger.NewLogger(logConfig)
	klog.SetLoggerWithOptions(logger)

	flagSet := flag.NewFlagSet("supervisor", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
	}

	klog.V(0).Infof("logging initialized with level %d", logLevel)
}

func run() error {
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg.WatchReload(viper.GetViper())

	rawToken, err := resolveToken(cfg)
	if err != nil {
		return fmt.Errorf("resolving token: %w", err)
	}
	domainID, err := token.DomainID(rawToken)
	if err != nil {
		return fmt.Errorf("extracting domain_id from token: %w", err)
	}

	substrate, backendName, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	pluginConn, err := grpc.NewClient("plugin-service:50051", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing plugin service: %w", err)
	}
	repoConn, err := grpc.NewClient("repository-service:50051", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing repository service: %w", err)
	}

	connector := cfg.Connector(backendName)
	engine := &reconcile.Engine{
		BackendName:  backendName,
		Substrate:    substrate,
		Plugins:      pluginservice.New(pluginConn),
		Repository:   repository.New(repoConn),
		Locker:       buildLocker(cfg),
		Allocator:    portalloc.NewAllocator(connector.StartPort, connector.EndPort),
		Name:         cfg.Name,
		Hostname:     cfg.Hostname,
		DomainID:     domainID,
		TagsSource:   cfg.Tags,
		LabelsSource: cfg.Labels,
	}

	checker := health.NewChecker()
	mux := http.NewServeMux()
	health.AttachEndpoints(mux, checker)
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", viper.GetInt("health-port")), Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("health server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx, "sync", cfg.SyncInterval, func(ctx context.Context) (bool, error) {
			ok, err := engine.Sync(ctx)
			if ok {
				checker.RecordSyncSuccess(time.Now())
			}
			return ok, err
		})
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx, "publish", cfg.PublishInterval, func(ctx context.Context) (bool, error) {
			_, err := engine.Publish(ctx)
			return err == nil, err
		})
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.V(0).Infof("received signal %v, shutting down", sig)

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("health server shutdown: %v", err)
	}

	return nil
}

func resolveToken(cfg *config.Config) (string, error) {
	if cfg.Token != "" {
		return token.Static(cfg.Token).Wait(context.Background())
	}
	if cfg.TokenInfo == nil {
		return "", fmt.Errorf("neither TOKEN nor TOKEN_INFO configured")
	}

	kv, err := token.NewConsulKV(token.ConsulConfig{
		Host:   cfg.TokenInfo.Host,
		Port:   cfg.TokenInfo.Port,
		Scheme: cfg.TokenInfo.Scheme,
		Token:  cfg.TokenInfo.Token,
		URI:    cfg.TokenInfo.URI,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return token.FromConsul(kv, cfg.TokenInfo.URI).Wait(ctx)
}

func buildLocker(cfg *config.Config) lock.Locker {
	addr := viper.GetString("redis-addr")
	if addr == "" {
		return lock.NewInProcess()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return lock.NewRedis(client)
}

func buildBackend(cfg *config.Config) (backend.Backend, backend.Name, error) {
	switch cfg.Backend {
	case backend.Docker:
		b, err := docker.New()
		return b, backend.Docker, err
	case backend.Kubernetes:
		connector := cfg.Connector(backend.Kubernetes)
		b, err := kubernetes.New(kubernetes.Config{
			Namespace:              connector.Namespace,
			Headless:               connector.Headless,
			Hostname:               cfg.Hostname,
			DefaultReplicas:        1,
			ReplicaSource:          func() map[string]int32 { return cfg.Replica(backend.Kubernetes) },
			NodeSelector:           connector.NodeSelector,
			ServiceAccountName:     connector.ServiceAccount,
			ImagePullSecrets:       connector.ImagePullSecrets,
			LegacyServiceTypeAlias: false,
		})
		return b, backend.Kubernetes, err
	default:
		return nil, "", fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

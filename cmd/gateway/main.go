package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/llmgate/audit"
	"goa.design/llmgate/clients"
	"goa.design/llmgate/config"
	"goa.design/llmgate/pipeline"
	"goa.design/llmgate/provider"
	"goa.design/llmgate/security/injection"
	"goa.design/llmgate/security/pii"
	"goa.design/llmgate/security/ratelimit"
	"goa.design/llmgate/server"
)

func main() {
	var (
		addrF = flag.String("addr", "", "Listen address (overrides LISTEN_ADDR)")
		dbgF  = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *dbgF || cfg.LogLevel == "DEBUG" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	addr := cfg.ListenAddr
	if *addrF != "" {
		addr = *addrF
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "client store setup failed")
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "invalid REDIS_URL")
		}
		limiter = ratelimit.NewRedisLimiter(redis.NewClient(opt))
		log.Print(ctx, log.KV{K: "rate_limit_backend", V: "redis"})
	} else {
		mem := ratelimit.NewMemoryLimiter()
		mem.StartJanitor(ctx)
		limiter = mem
		log.Print(ctx, log.KV{K: "rate_limit_backend", V: "memory"})
	}

	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		log.Fatalf(ctx, err, "audit sink setup failed")
	}
	defer closeSink()

	registry := provider.NewRegistry(provider.Options{
		OpenAIBaseURL:   cfg.UpstreamBaseURL,
		OpenAIAPIKey:    cfg.UpstreamAPIKey,
		AWSRegion:       cfg.AWSRegion,
		BedrockModelID:  cfg.BedrockModelID,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		Timeout:         cfg.UpstreamTimeout,
		MaxTPM:          cfg.UpstreamMaxTPM,
	})

	gw, err := pipeline.New(pipeline.Options{
		Store:            store,
		Limiter:          limiter,
		Providers:        registry,
		Injection:        injection.NewScorer(cfg.InjectionThreshold),
		RequestPII:       pii.NewScanner(pii.Action(cfg.PIIAction)),
		ResponsePII:      pii.NewScanner(pii.Action(cfg.ResponsePIIAction)),
		Audit:            sink,
		DisableStreaming: cfg.DisableStreaming,
	})
	if err != nil {
		log.Fatalf(ctx, err, "pipeline setup failed")
	}

	var handler http.Handler = server.New(gw).Handler()
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second * 60,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "listening", V: addr}, log.KV{K: "version", V: server.Version})
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown failed")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// buildStore assembles the client configuration store from the environment.
func buildStore(ctx context.Context, cfg *config.Config) (clients.Store, error) {
	opts := clients.StoreOptions{
		Backend: cfg.ClientStoreBackend,
		Path:    cfg.ClientConfigPath,
		Keys:    cfg.GatewayAPIKeys,
		Table:   cfg.DynamoDBTable,
		Defaults: clients.Defaults{
			RateLimitRPM:   cfg.RateLimitRPM,
			UpstreamAPIKey: cfg.UpstreamAPIKey,
			BedrockModelID: cfg.BedrockModelID,
		},
	}
	if cfg.ClientStoreBackend == config.StoreBackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		opts.Dynamo = dynamodb.NewFromConfig(awsCfg)
	}
	store, err := clients.NewStore(opts)
	if err != nil {
		return nil, err
	}
	log.Print(ctx, log.KV{K: "client_store", V: cfg.ClientStoreBackend})
	return store, nil
}

// buildAuditSink writes audit records to stdout, mirrored to a file when
// AUDIT_LOG_FILE is set.
func buildAuditSink(cfg *config.Config) (audit.Sink, func() error, error) {
	stdout := audit.NewJSONSink(os.Stdout)
	if strings.TrimSpace(cfg.AuditLogFile) == "" {
		return stdout, func() error { return nil }, nil
	}
	file, closeFile, err := audit.NewFileSink(cfg.AuditLogFile)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewMultiSink(stdout, file), closeFile, nil
}

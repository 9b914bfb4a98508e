// Command agentpay-gateway wires the full agent payment orchestration
// pipeline: identity, mandate verification, spending policy, compliance,
// chain execution, the canonical ledger, reconciliation, and the HTTP
// surface, into a single runnable service.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentpay/chainexec"
	"agentpay/cmd/internal/passphrase"
	"agentpay/compliance"
	cfgpkg "agentpay/config"
	agentpaycrypto "agentpay/crypto"
	"agentpay/decimal"
	"agentpay/eventbus"
	"agentpay/gateway/middleware"
	"agentpay/gatewayapi"
	"agentpay/identity"
	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/observability/logging"
	telemetry "agentpay/observability/otel"
	"agentpay/orchestrator"
	"agentpay/policy"
	"agentpay/reconcile"
	"agentpay/replay"
	"agentpay/scheduler"
	"agentpay/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to agentpay configuration")
	flag.Parse()

	cfg, err := cfgpkg.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var logWriters []io.Writer
	if cfg.Logging.FilePath != "" {
		logWriters = append(logWriters, logging.RotatingFileWriter(
			cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays,
		))
	}
	slogger := logging.Setup("agentpay-gateway", cfg.Environment, logWriters...)
	logger := log.New(os.Stdout, "agentpay-gateway ", log.LstdFlags|log.Lmsgprefix)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "agentpay-gateway",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    true,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}

	registry := identity.New()
	verifierKeys := identity.VerifierKeys{Registry: registry}

	var replayCache mandate.ReplayChecker
	if cfg.IsProduction() {
		replayCache = store.NewDurableReplayCache(db)
	} else {
		replayCache = replay.NewMemoryCache(false)
	}

	verifier := mandate.New(verifierKeys, replayCache, cfg.AllowedMerchantDomains)

	bus := eventbus.New()
	audit := eventbus.NewAuditRing(10_000)
	complianceAudit := &auditBridge{ring: audit}

	gate, err := buildComplianceGate(cfg, complianceAudit)
	if err != nil {
		logger.Fatalf("configure compliance gate: %v", err)
	}

	executor, err := buildExecutor(cfg, logger)
	if err != nil {
		logger.Fatalf("configure chain executor: %v", err)
	}

	ledgerStore := store.NewDurableLedgerStore(db)
	canonicalLedger := ledger.New(ledgerStore)
	leaves, err := ledgerStore.AllLeafHashes(context.Background())
	if err != nil {
		logger.Fatalf("rehydrate ledger: %v", err)
	}
	canonicalLedger.Rehydrate(leaves)

	var reconStore reconcile.Store
	if cfg.IsProduction() {
		reconStore = store.NewDurableReconciliationStore(db)
	} else {
		reconStore = reconcile.NewMemoryStore(true)
	}
	reconQueue := reconcile.New(reconStore)

	orch := orchestrator.New(verifier, gate, executor, canonicalLedger, reconQueue, bus, audit)
	now := time.Now()
	for _, a := range cfg.Agents {
		if err := registerAgent(registry, orch, a, now); err != nil {
			logger.Fatalf("register agent %s: %v", a.AgentID, err)
		}
	}

	reconWorker := reconcile.NewWorker(reconQueue, canonicalLedger, canonicalLedger, reconcile.WorkerConfig{
		Interval: cfg.Scheduler.ReconciliationDrainInterval.Duration,
	})

	sched := scheduler.New(time.Second)
	sched.Register(scheduler.Job{
		Name:     "reconciliation_drain",
		Interval: cfg.Scheduler.ReconciliationDrainInterval.Duration,
		Run: func(ctx context.Context) error {
			reconWorker.DrainOnce(ctx)
			return nil
		},
	})
	sched.RegisterDailyAt("spending_window_reset", cfg.Scheduler.SpendingResetHourUTC, 0, func(ctx context.Context) error {
		slogger.Info("daily spending window reset tick")
		return nil
	})

	handlers := &gatewayapi.Handlers{
		Executor:      orch,
		ManualReview:  canonicalLedger,
		Reconcile:     reconQueue,
		Ledger:        canonicalLedger,
		Webhooks:      gatewayapi.NewWebhookVerifier(db, cfg.Webhooks.HMACSecret),
	}

	router := gatewayapi.NewRouter(gatewayapi.Config{
		Handlers:      handlers,
		Authenticator: gatewayapi.NewAuthenticator(cfg.Auth.JWTSigningKey, logger),
		RateLimiter:   gatewayapi.NewRateLimiter(logger),
		Observability: gatewayapi.NewObservability(logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
	})

	handler := http.Handler(router)
	handler = otelhttp.NewHandler(handler, "agentpay-gateway")

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	tlsConfig, err := buildTLSConfig(filepath.Dir(cfgPath))
	if err != nil {
		logger.Fatalf("configure TLS: %v", err)
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	} else if cfg.IsProduction() {
		logger.Fatal("agentpay-gateway TLS certificate and key are required in production; set AGENTPAY_TLS_CERT_FILE/AGENTPAY_TLS_KEY_FILE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go sched.Run(schedCtx)
	go reconWorker.Run(schedCtx)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		scheme := "http"
		var serveErr error
		if tlsConfig != nil {
			scheme = "https"
			serveErr = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			serveErr = server.Serve(listener)
		}
		logger.Printf("listening on %s://%s", scheme, listener.Addr())
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// auditBridge adapts eventbus.AuditRing's (phase, mandateID, data) shape to
// compliance.AuditAppender's (decision, mandate) shape.
type auditBridge struct {
	ring *eventbus.AuditRing
}

func (a *auditBridge) Append(ctx context.Context, decision compliance.Decision, m compliance.Mandate) {
	a.ring.Append("compliance", m.AgentID, map[string]interface{}{
		"passed":      decision.Passed,
		"reason":      decision.Reason,
		"provider":    decision.Provider,
		"destination": m.Destination,
	})
}

func buildComplianceGate(cfg cfgpkg.Config, audit compliance.AuditAppender) (*compliance.Gate, error) {
	var kyc compliance.KYCProvider
	if strings.TrimSpace(cfg.Compliance.KYCBaseURL) != "" {
		provider, err := compliance.NewHTTPKYCProvider(
			defaultString(cfg.Compliance.KYCProviderName, "kyc-provider"),
			cfg.Compliance.KYCBaseURL, cfg.Compliance.KYCAPIKey, 10*time.Second,
		)
		if err != nil {
			return nil, err
		}
		kyc = provider
	}
	var kyt compliance.KYTProvider
	if strings.TrimSpace(cfg.Compliance.KYTBaseURL) != "" {
		provider, err := compliance.NewHTTPKYTProvider(
			defaultString(cfg.Compliance.KYTProviderName, "kyt-provider"),
			cfg.Compliance.KYTBaseURL, cfg.Compliance.KYTAPIKey, 10*time.Second,
		)
		if err != nil {
			return nil, err
		}
		kyt = provider
	}
	return compliance.New(compliance.Config{
		KYCThresholdMinor: cfg.Compliance.KYCThresholdMinor,
		EnforceKYA:        cfg.Compliance.EnforceKYA,
	}, kyc, kyt, nil, audit), nil
}

// loadLocalSignerKey resolves the local signer's key material, preferring
// an encrypted keystore file over a raw hex key when both are configured.
// A keystore with no passphrase resolved from config falls back to an
// interactive terminal prompt, so an operator running the gateway locally
// never has to put the keystore passphrase in a file or environment
// variable just to start the process.
func loadLocalSignerKey(cfg cfgpkg.SignerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		pass := cfg.KeystorePassphrase
		if strings.TrimSpace(pass) == "" {
			resolved, err := passphrase.NewSource(cfg.KeystorePassphraseEnv).Get()
			if err != nil {
				return nil, fmt.Errorf("resolve signer keystore passphrase: %w", err)
			}
			pass = resolved
		}
		key, err := agentpaycrypto.LoadFromKeystore(cfg.KeystorePath, pass)
		if err != nil {
			return nil, fmt.Errorf("load signer keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	if strings.TrimSpace(cfg.LocalKeyHex) == "" {
		return nil, fmt.Errorf("signer.local_key_hex or signer.keystore_path is required in local signer mode")
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.LocalKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer.local_key_hex: %w", err)
	}
	return key, nil
}

func buildExecutor(cfg cfgpkg.Config, logger *log.Logger) (*chainexec.Executor, error) {
	rpcClients := make(map[string]*chainexec.RPCClient, len(cfg.Chains))
	for _, c := range cfg.Chains {
		rpcClients[strings.ToLower(c.Name)] = chainexec.NewRPCClient(c.RPCEndpoint, "")
	}
	clientFor := func(chain string) (*chainexec.RPCClient, error) {
		c, ok := rpcClients[strings.ToLower(chain)]
		if !ok {
			return nil, fmt.Errorf("chainexec: no rpc endpoint configured for chain %q", chain)
		}
		return c, nil
	}

	var signer chainexec.Signer
	switch strings.ToLower(cfg.Signer.Mode) {
	case "mpc":
		client := chainexec.NewMPCBroadcastClient(cfg.Signer.MPCBaseURL, cfg.Signer.MPCAPIKey)
		signer = chainexec.NewMPCSigner(client.RequestSign, client.WaitForConfirmations)
	default:
		key, err := loadLocalSignerKey(cfg.Signer)
		if err != nil {
			return nil, err
		}
		logger.Printf("local signer address: %s", (&agentpaycrypto.PrivateKey{PrivateKey: key}).PubKey().Address())
		broadcast := func(ctx context.Context, tx chainexec.UnsignedTx, sig []byte) (string, error) {
			c, err := clientFor(tx.Chain)
			if err != nil {
				return "", err
			}
			return c.BroadcastSigned(ctx, tx, sig)
		}
		confirm := func(ctx context.Context, chain, txHash string, confirmations int) error {
			c, err := clientFor(chain)
			if err != nil {
				return err
			}
			return c.WaitForConfirmations(ctx, chain, txHash, confirmations)
		}
		signer = chainexec.NewLocalSigner(key, cfg.IsProduction(), broadcast, confirm)
	}

	var sponsor *chainexec.SponsorCapGuard
	for _, c := range cfg.Chains {
		if c.SponsorCapPerOpWei > 0 || c.SponsorCapDailyWei > 0 {
			sponsor = chainexec.NewSponsorCapGuard(c.SponsorCapPerOpWei, c.SponsorCapDailyWei)
			break
		}
	}

	return chainexec.NewExecutor(chainexec.NewNonceAllocator(), signer, sponsor), nil
}

func registerAgent(registry *identity.Registry, orch *orchestrator.Orchestrator, a cfgpkg.AgentConfig, now time.Time) error {
	pub, err := hex.DecodeString(strings.TrimPrefix(a.PublicKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode public_key_hex: %w", err)
	}
	if err := registry.RegisterKey(a.AgentID, a.KID, pub, "ed25519", time.Time{}); err != nil {
		return err
	}
	perTxn, err := decimalOrDefault(a.PerTxnCapMinor, "1000.000000")
	if err != nil {
		return err
	}
	total, err := decimalOrDefault(a.DailyCapMinor, "1000000.000000")
	if err != nil {
		return err
	}
	pol := policy.NewDefault(a.AgentID, perTxn, total, now)
	orch.RegisterPolicy(a.AgentID, policy.NewEngine(pol, time.Now))
	return nil
}

func decimalOrDefault(s, def string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		s = def
	}
	return decimal.Parse(s)
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func buildTLSConfig(baseDir string) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, os.Getenv("AGENTPAY_TLS_CERT_FILE"))
	keyPath := resolveTLSPath(baseDir, os.Getenv("AGENTPAY_TLS_KEY_FILE"))
	caPath := resolveTLSPath(baseDir, os.Getenv("AGENTPAY_TLS_CLIENT_CA_FILE"))
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("both AGENTPAY_TLS_CERT_FILE and AGENTPAY_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

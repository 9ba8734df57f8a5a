// Command presale runs the token presale backend: payment verification,
// settlement, token delivery and the REST API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/shibartum/presale-backend/internal/account"
	"github.com/shibartum/presale-backend/internal/chain"
	"github.com/shibartum/presale-backend/internal/config"
	"github.com/shibartum/presale-backend/internal/eligibility"
	"github.com/shibartum/presale-backend/internal/httpapi"
	"github.com/shibartum/presale-backend/internal/metrics"
	"github.com/shibartum/presale-backend/internal/settlement"
	"github.com/shibartum/presale-backend/internal/storage/postgres"
	"github.com/shibartum/presale-backend/internal/system"
	"github.com/shibartum/presale-backend/internal/verifier"
	"github.com/shibartum/presale-backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logger.New("presale", level)

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		log.WithError(err).Fatal("run migrations")
	}
	store := postgres.New(db)

	owner, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.OwnerKeypairPath)
	if err != nil {
		log.WithError(err).Fatal("load owner keypair")
	}
	mint, err := solana.PublicKeyFromBase58(cfg.TokenMintAddress)
	if err != nil {
		log.WithError(err).Fatal("parse token mint address")
	}
	treasury := owner.PublicKey()
	if cfg.TreasuryAddress != "" {
		treasury, err = solana.PublicKeyFromBase58(cfg.TreasuryAddress)
		if err != nil {
			log.WithError(err).Fatal("parse treasury address")
		}
	}

	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.SolanaRPCURL,
		TokenMint: mint,
		Owner:     owner,
		Retry: chain.RetryPolicy{
			MaxAttempts: cfg.FetchRetryAttempts,
			Delay:       cfg.FetchRetryDelay,
		},
		ConfirmTimeout: cfg.MintConfirmTimeout,
	}, logger.New("chain", level))
	if err != nil {
		log.WithError(err).Fatal("create chain client")
	}

	recorder := metrics.Recorder{}
	elig := eligibility.NewService(store, store, logger.New("eligibility", level))
	verif := verifier.New(chainClient, elig, treasury, logger.New("verifier", level))
	settleSvc := settlement.NewService(settlement.Deps{
		Settlements: store,
		Users:       store,
		Whitelist:   store,
		Referrals:   store,
		Verifier:    verif,
		Deliverer:   chainClient,
		Eligibility: elig,
		Recorder:    recorder,
		Logger:      logger.New("settlement", level),
	})
	accounts := account.NewService(store, store, store, logger.New("account", level))

	handler := httpapi.NewHandler(settleSvc, accounts, elig, chainClient, db, logger.New("httpapi", level))
	server := httpapi.NewServer(cfg.ListenAddr(), handler.Router(), logger.New("httpapi", level))
	reconciler := settlement.NewReconciler(store, recorder, cfg.PendingReconcileAfter, logger.New("settlement-reconciler", level))

	manager := system.NewManager()
	for _, svc := range []system.Service{server, reconciler} {
		if err := manager.Register(svc); err != nil {
			log.WithError(err).Fatal("register service")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("start services")
	}
	log.WithField("addr", cfg.ListenAddr()).Info("presale backend started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
}

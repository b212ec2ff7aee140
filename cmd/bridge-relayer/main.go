package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketbridge/relayer/internal/archive"
	"github.com/ticketbridge/relayer/internal/bridgeabi"
	"github.com/ticketbridge/relayer/internal/chainwatch"
	"github.com/ticketbridge/relayer/internal/dispatch"
	"github.com/ticketbridge/relayer/internal/eth"
	"github.com/ticketbridge/relayer/internal/event"
	eventpg "github.com/ticketbridge/relayer/internal/event/postgres"
	"github.com/ticketbridge/relayer/internal/leases"
	leasespg "github.com/ticketbridge/relayer/internal/leases/postgres"
	"github.com/ticketbridge/relayer/internal/lifecycle"
	"github.com/ticketbridge/relayer/internal/notify"
	"github.com/ticketbridge/relayer/internal/opsapi"
	"github.com/ticketbridge/relayer/internal/secrets"
	"github.com/ticketbridge/relayer/internal/sweeper"
	"github.com/ticketbridge/relayer/internal/ticket"
	ticketpg "github.com/ticketbridge/relayer/internal/ticket/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")
		storeDriver = flag.String("store-driver", "postgres", "ticket/event/claim store driver: postgres|memory")

		originRPC     = flag.String("origin-rpc-url", "", "origin chain RPC URL (required)")
		originChainID = flag.Uint64("origin-chain-id", 0, "origin chain id (required)")
		vaultAddr     = flag.String("vault-address", "", "Vault contract address on the origin chain (required)")
		originConf    = flag.Uint64("origin-confirmations", 12, "confirmation depth on the origin chain")
		originStart   = flag.Uint64("origin-start-block", 0, "first origin block to scan when no cursor exists")
		originCursor  = flag.String("origin-cursor-path", "", "origin watcher cursor file (default: in-memory cursor)")
		originKeyRef  = flag.String("origin-key-ref", "", "origin signing key ref, env:NAME or aws:SECRET_ID (required)")

		destRPC     = flag.String("dest-rpc-url", "", "destination chain RPC URL (required)")
		destChainID = flag.Uint64("dest-chain-id", 0, "destination chain id (required)")
		reprAddr    = flag.String("representative-address", "", "Representative contract address on the destination chain (required)")
		destConf    = flag.Uint64("dest-confirmations", 12, "confirmation depth on the destination chain")
		destStart   = flag.Uint64("dest-start-block", 0, "first destination block to scan when no cursor exists")
		destCursor  = flag.String("dest-cursor-path", "", "destination watcher cursor file (default: in-memory cursor)")
		destKeyRef  = flag.String("dest-key-ref", "", "destination signing key ref, env:NAME or aws:SECRET_ID (required)")

		pollInterval = flag.Duration("poll-interval", 3*time.Second, "watcher head poll interval")
		batchSize    = flag.Uint64("batch-size", 500, "maximum blocks per log scan")

		gasMultiplier   = flag.Float64("gas-limit-multiplier", 1.2, "multiplier applied to gas estimates")
		minTipGwei      = flag.Int64("min-tip-cap-gwei", 1, "minimum priority fee in gwei")
		receiptPoll     = flag.Duration("receipt-poll-interval", 5*time.Second, "receipt poll cadence while waiting for inclusion")
		replaceAfter    = flag.Duration("replace-after", 30*time.Second, "how long a transaction may linger before a fee-bumped replacement")
		maxReplacements = flag.Int("max-replacements", 3, "maximum fee-bumped replacements per transaction (0 disables)")
		bumpPercent     = flag.Int("replacement-bump-percent", 15, "fee bump percentage per replacement")

		deferTTL      = flag.Duration("defer-ttl", 10*time.Minute, "how long an out-of-order event waits for its predecessor")
		maxAttempts   = flag.Int("max-attempts", 5, "maximum transaction submissions per action")
		submitTimeout = flag.Duration("submit-timeout", 2*time.Minute, "per-attempt send-and-wait timeout")
		retryDelay    = flag.Duration("retry-delay", 5*time.Second, "pause between submission attempts")

		sweepInterval = flag.Duration("sweep-interval", time.Minute, "reconciliation sweep cadence")
		stuckAfter    = flag.Duration("stuck-after", 10*time.Minute, "age since last attempt before a ticket counts as stuck")
		claimTTL      = flag.Duration("claim-ttl", 2*time.Minute, "ttl for per-ticket sweep claims")
		sweepBatch    = flag.Int("sweep-batch", 100, "maximum tickets swept per tick")
		holder        = flag.String("holder", "", "unique replica identity for sweep claims (default: hostname-pid)")

		notifyDriver  = flag.String("notify-driver", notify.DriverStdio, "dynamic-state notification driver: kafka|stdio")
		notifyBrokers = flag.String("notify-brokers", "", "comma-separated kafka brokers (required for kafka)")
		notifyTopic   = flag.String("notify-topic", "tickets.dynamic-state.v1", "notification topic")
		notifyBatch   = flag.Duration("notify-batch-timeout", time.Second, "kafka producer batch timeout")

		archiveDriver = flag.String("archive-driver", "none", "event archive driver: s3|memory|none")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for archived events (required for s3)")
		archivePrefix = flag.String("archive-prefix", "ticketbridge", "key prefix for archived events")
		archiveFlush  = flag.Duration("archive-flush-interval", time.Minute, "archive flush cadence")

		opsListen  = flag.String("ops-listen", ":8080", "ops HTTP listen address (empty disables)")
		opsAuthEnv = flag.String("ops-auth-env", "TICKETBRIDGE_OPS_AUTH_TOKEN", "env var containing the ops API bearer token (empty value disables auth)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *originRPC == "" || *destRPC == "" || *originChainID == 0 || *destChainID == 0 {
		fmt.Fprintln(os.Stderr, "error: --origin-rpc-url, --dest-rpc-url, --origin-chain-id, and --dest-chain-id are required")
		os.Exit(2)
	}
	if *originChainID == *destChainID {
		fmt.Fprintln(os.Stderr, "error: --origin-chain-id and --dest-chain-id must differ")
		os.Exit(2)
	}
	if !common.IsHexAddress(*vaultAddr) || !common.IsHexAddress(*reprAddr) {
		fmt.Fprintln(os.Stderr, "error: --vault-address and --representative-address must be valid hex addresses")
		os.Exit(2)
	}
	if *originKeyRef == "" || *destKeyRef == "" {
		fmt.Fprintln(os.Stderr, "error: --origin-key-ref and --dest-key-ref are required")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *batchSize == 0 || *deferTTL <= 0 || *maxAttempts <= 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval, --batch-size, --defer-ttl, and --max-attempts must be > 0")
		os.Exit(2)
	}
	if *submitTimeout <= 0 || *retryDelay <= 0 || *sweepInterval <= 0 || *stuckAfter <= 0 || *claimTTL <= 0 || *sweepBatch <= 0 {
		fmt.Fprintln(os.Stderr, "error: --submit-timeout, --retry-delay, --sweep-interval, --stuck-after, --claim-ttl, and --sweep-batch must be > 0")
		os.Exit(2)
	}

	vault := common.HexToAddress(*vaultAddr)
	repr := common.HexToAddress(*reprAddr)

	replica := strings.TrimSpace(*holder)
	if replica == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "bridge-relayer"
		}
		replica = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		tickets ticket.Store
		events  event.Store
		claims  leases.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		tpg, err := ticketpg.New(pool)
		if err != nil {
			log.Error("init ticket store", "err", err)
			os.Exit(2)
		}
		epg, err := eventpg.New(pool)
		if err != nil {
			log.Error("init event store", "err", err)
			os.Exit(2)
		}
		lpg, err := leasespg.New(pool)
		if err != nil {
			log.Error("init claim store", "err", err)
			os.Exit(2)
		}
		for _, ensure := range []func(context.Context) error{tpg.EnsureSchema, epg.EnsureSchema, lpg.EnsureSchema} {
			if err := ensure(ctx); err != nil {
				log.Error("ensure schema", "err", err)
				os.Exit(2)
			}
		}
		tickets, events, claims = tpg, epg, lpg
	case "memory":
		tickets = ticket.NewMemoryStore()
		events = event.NewMemoryStore()
		claims = leases.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	originClient, err := ethclient.DialContext(ctx, *originRPC)
	if err != nil {
		log.Error("dial origin rpc", "err", err)
		os.Exit(2)
	}
	defer originClient.Close()
	destClient, err := ethclient.DialContext(ctx, *destRPC)
	if err != nil {
		log.Error("dial destination rpc", "err", err)
		os.Exit(2)
	}
	defer destClient.Close()

	originSigner, err := signerFromRef(ctx, *originKeyRef)
	if err != nil {
		log.Error("load origin signing key", "err", err)
		os.Exit(2)
	}
	destSigner, err := signerFromRef(ctx, *destKeyRef)
	if err != nil {
		log.Error("load destination signing key", "err", err)
		os.Exit(2)
	}

	subCfg := func(chainID uint64) eth.SubmitterConfig {
		const gwei = 1_000_000_000
		return eth.SubmitterConfig{
			ChainID:                new(big.Int).SetUint64(chainID),
			GasLimitMultiplier:     *gasMultiplier,
			MinTipCap:              new(big.Int).SetInt64(*minTipGwei * gwei),
			ReceiptPollInterval:    *receiptPoll,
			ReplaceAfter:           *replaceAfter,
			MaxReplacements:        *maxReplacements,
			ReplacementBumpPercent: *bumpPercent,
			MinReplacementTipBump:  big.NewInt(gwei),
			MinReplacementFeeBump:  big.NewInt(gwei),
		}
	}
	originSub, err := eth.NewSubmitter(originClient, originSigner, subCfg(*originChainID))
	if err != nil {
		log.Error("init origin submitter", "err", err)
		os.Exit(2)
	}
	destSub, err := eth.NewSubmitter(destClient, destSigner, subCfg(*destChainID))
	if err != nil {
		log.Error("init destination submitter", "err", err)
		os.Exit(2)
	}

	machine, err := lifecycle.New(lifecycle.Config{DeferTTL: *deferTTL}, tickets, log)
	if err != nil {
		log.Error("init state machine", "err", err)
		os.Exit(2)
	}

	producer, err := notify.NewProducer(notify.ProducerConfig{
		Driver:       *notifyDriver,
		Brokers:      notify.SplitCommaList(*notifyBrokers),
		Topic:        *notifyTopic,
		BatchTimeout: *notifyBatch,
		Writer:       os.Stdout,
	})
	if err != nil {
		log.Error("init notify producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()
	notifier, err := notify.NewNotifier(producer, time.Now)
	if err != nil {
		log.Error("init notifier", "err", err)
		os.Exit(2)
	}

	archiver, err := initArchiver(ctx, *archiveDriver, *archiveBucket, *archivePrefix, *archiveFlush, log)
	if err != nil {
		log.Error("init archive", "err", err)
		os.Exit(2)
	}

	// The dispatcher acknowledges its own submissions through the same
	// admission path chain events take, so sink and dispatcher refer to
	// each other. Break the cycle with an indirection.
	var pipeline func(ctx context.Context, rec event.Record) error
	sink := func(ctx context.Context, rec event.Record) error { return pipeline(ctx, rec) }

	dispatcher, err := dispatch.New(dispatch.Config{
		VaultContract:          vault,
		RepresentativeContract: repr,
		MaxAttempts:            *maxAttempts,
		SubmitTimeout:          *submitTimeout,
		RetryDelay:             *retryDelay,
	}, originSub, destSub, tickets, machine, sink, log)
	if err != nil {
		log.Error("init dispatcher", "err", err)
		os.Exit(2)
	}

	pipeline = func(ctx context.Context, rec event.Record) error {
		fresh, err := events.Admit(ctx, rec)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		if archiver != nil {
			archiver.Add(rec)
		}
		res, err := machine.Apply(ctx, rec)
		if err != nil {
			return err
		}
		for _, note := range res.Notifications {
			if err := notifier.Notify(ctx, note); err != nil {
				log.Error("notify dynamic state", "ticket", note.TicketID, "err", err)
			}
		}
		for _, act := range res.Actions {
			act := act
			go func() {
				if err := dispatcher.Dispatch(ctx, act); err != nil && !errors.Is(err, dispatch.ErrInFlight) {
					log.Error("dispatch action", "kind", act.Kind, "ticket", act.TicketID, "err", err)
				}
			}()
		}
		return nil
	}

	swp, err := sweeper.New(sweeper.Config{
		Holder:                 replica,
		Interval:               *sweepInterval,
		StuckAfter:             *stuckAfter,
		ClaimTTL:               *claimTTL,
		BatchSize:              *sweepBatch,
		VaultContract:          vault,
		RepresentativeContract: repr,
		Notify:                 notifier.Notify,
	}, tickets, claims, machine, originSub, destSub, dispatcher.Dispatch, pipeline, log)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}

	originWatcher, originCursorStore, err := initWatcher(watcherParams{
		chainID:       *originChainID,
		contract:      vault,
		topics:        bridgeabi.VaultTopics(),
		decode:        bridgeabi.DecodeVaultLog,
		confirmations: *originConf,
		startBlock:    *originStart,
		cursorPath:    *originCursor,
		pollInterval:  *pollInterval,
		batchSize:     *batchSize,
	}, originClient, pipeline, log)
	if err != nil {
		log.Error("init origin watcher", "err", err)
		os.Exit(2)
	}
	destWatcher, destCursorStore, err := initWatcher(watcherParams{
		chainID:       *destChainID,
		contract:      repr,
		topics:        bridgeabi.RepresentativeTopics(),
		decode:        bridgeabi.DecodeRepresentativeLog,
		confirmations: *destConf,
		startBlock:    *destStart,
		cursorPath:    *destCursor,
		pollInterval:  *pollInterval,
		batchSize:     *batchSize,
	}, destClient, pipeline, log)
	if err != nil {
		log.Error("init destination watcher", "err", err)
		os.Exit(2)
	}

	if *opsListen != "" {
		handler := opsapi.NewHandler(tickets, opsapi.Config{
			AuthToken: os.Getenv(*opsAuthEnv),
			Cursors: map[uint64]chainwatch.CursorStore{
				*originChainID: originCursorStore,
				*destChainID:   destCursorStore,
			},
			Events:   events,
			Deferred: machine.DeferredCount,
		})
		srv := &http.Server{
			Addr:              *opsListen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops http server", "err", err)
			}
		}()
	}

	log.Info("bridge relayer started",
		"originChain", *originChainID,
		"destChain", *destChainID,
		"vault", vault,
		"representative", repr,
		"originSigner", originSigner.Address(),
		"destSigner", destSigner.Address(),
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"notifyDriver", *notifyDriver,
		"archiveDriver", *archiveDriver,
		"holder", replica,
	)

	errCh := make(chan error, 4)
	go func() { errCh <- originWatcher.Run(ctx) }()
	go func() { errCh <- destWatcher.Run(ctx) }()
	go func() { errCh <- swp.Run(ctx) }()
	if archiver != nil {
		go func() { errCh <- archiver.Run(ctx) }()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("worker stopped", "err", err)
				stop()
			}
		}
	}
}

type watcherParams struct {
	chainID       uint64
	contract      common.Address
	topics        []common.Hash
	decode        chainwatch.DecodeFunc
	confirmations uint64
	startBlock    uint64
	cursorPath    string
	pollInterval  time.Duration
	batchSize     uint64
}

func initWatcher(p watcherParams, backend chainwatch.Backend, sink chainwatch.SinkFunc, log *slog.Logger) (*chainwatch.Watcher, chainwatch.CursorStore, error) {
	var cursor chainwatch.CursorStore
	if strings.TrimSpace(p.cursorPath) != "" {
		cursor = chainwatch.NewFileCursorStore(p.cursorPath)
	} else {
		cursor = chainwatch.NewMemoryCursorStore()
	}
	w, err := chainwatch.New(chainwatch.Config{
		ChainID:           p.chainID,
		Contract:          p.contract,
		Topics:            p.topics,
		ConfirmationDepth: p.confirmations,
		StartBlock:        p.startBlock,
		BatchSize:         p.batchSize,
		PollInterval:      p.pollInterval,
	}, backend, p.decode, sink, cursor, log)
	if err != nil {
		return nil, nil, err
	}
	return w, cursor, nil
}

func signerFromRef(ctx context.Context, ref string) (*eth.LocalSigner, error) {
	raw, err := secrets.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	key, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key from %s: %w", ref, err)
	}
	return eth.NewLocalSigner(key), nil
}

func initArchiver(ctx context.Context, driver, bucket, prefix string, flush time.Duration, log *slog.Logger) (*archive.Archiver, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "none", "":
		return nil, nil
	case archive.DriverMemory:
		store, err := archive.NewStore(archive.Config{Driver: archive.DriverMemory, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		return archive.NewArchiver(archive.ArchiverConfig{FlushInterval: flush}, store, log)
	case archive.DriverS3:
		if strings.TrimSpace(bucket) == "" {
			return nil, fmt.Errorf("archive: --archive-bucket is required for s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: load aws config: %w", err)
		}
		store, err := archive.NewStore(archive.Config{
			Driver:   archive.DriverS3,
			Prefix:   prefix,
			Bucket:   bucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return nil, err
		}
		return archive.NewArchiver(archive.ArchiverConfig{FlushInterval: flush}, store, log)
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}
}

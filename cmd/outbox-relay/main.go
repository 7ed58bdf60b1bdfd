package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"namcportal/config"
	"namcportal/db"
	"namcportal/hubspot"
	"namcportal/member"
	"namcportal/notify"
	"namcportal/outbox"
	"namcportal/payments"
	"namcportal/quickbooks"
)

const (
	lockKey = "namcportal:outbox-relay"
	lockTTL = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.LogLevel)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	pool, err := db.NewPool(sigCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	redisClient, err := config.NewRedis(sigCtx, cfg.RedisAddr)
	if err != nil {
		logger.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()
	locker := config.NewRedisLocker(redisClient)

	dispatcher := outbox.NewDispatcher(outbox.NewStore(pool), logger)

	var sender notify.Sender
	if cfg.MailgunDomain != "" && cfg.MailgunAPIKey != "" {
		sender = notify.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailFrom)
	} else {
		logger.Warn("mailgun not configured; mail is logged, not sent")
		sender = notify.NewLogSender(logger)
	}
	dispatcher.Route("mail", notify.NewMailSink(sender, notify.NewDirectory(pool), logger))

	if cfg.StripeSecretKey != "" {
		stripeClient, err := payments.NewClient(cfg.StripeSecretKey)
		if err != nil {
			logger.Fatalf("configure stripe: %v", err)
		}
		dispatcher.Route("payments", payments.NewTransferSink(stripeClient, payments.NewAccountDirectory(pool), logger))
	} else {
		// Transfer requests are money movement; without a processor they
		// must keep retrying rather than be dropped as unroutable.
		logger.Warn("stripe not configured; payout transfers will retry until it is")
		dispatcher.Route("payments", outbox.SinkFunc(func(context.Context, outbox.Message) error {
			return errors.New("stripe not configured")
		}))
	}

	if cfg.HubSpotAPIKey != "" {
		crmClient, err := hubspot.NewClient(cfg.HubSpotAPIKey)
		if err != nil {
			logger.Fatalf("configure hubspot: %v", err)
		}
		members := member.NewService(member.NewRepository(pool), nil, nil)
		dispatcher.Route("crm", hubspot.NewSink(crmClient, members, pool, logger))
	} else {
		logger.Warn("hubspot not configured; crm messages will be dropped")
	}

	if cfg.QuickBooksAPIKey != "" {
		booksClient, err := quickbooks.NewClient(cfg.QuickBooksAPIKey)
		if err != nil {
			logger.Fatalf("configure quickbooks: %v", err)
		}
		dispatcher.Route("books", quickbooks.NewSink(booksClient, logger))
	} else {
		logger.Warn("quickbooks not configured; bookkeeping messages will be dropped")
	}

	runWithLock(sigCtx, locker, dispatcher, logger)
}

// runWithLock keeps exactly one relay dispatching across all replicas. A
// replica that cannot obtain the lock waits and retries, taking over if the
// holder dies and its lock expires.
func runWithLock(ctx context.Context, locker *redislock.Client, dispatcher *outbox.Dispatcher, logger *logrus.Logger) {
	for {
		lock, err := locker.Obtain(ctx, lockKey, lockTTL, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			logger.Debug("another relay holds the lock")
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("obtain relay lock")
		default:
			logger.Info("outbox relay active")
			dispatchWhileHeld(ctx, lock, dispatcher, logger)
			if releaseErr := lock.Release(context.Background()); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				logger.WithError(releaseErr).Warn("release relay lock")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// dispatchWhileHeld runs the dispatcher until the context ends or the lock
// cannot be refreshed, whichever comes first.
func dispatchWhileHeld(ctx context.Context, lock *redislock.Lock, dispatcher *outbox.Dispatcher, logger *logrus.Logger) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Run(runCtx)
		close(done)
	}()

	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			<-done
			return
		case <-ticker.C:
			if err := lock.Refresh(runCtx, lockTTL, nil); err != nil {
				logger.WithError(err).Warn("relay lock lost, stopping dispatch")
				cancel()
				<-done
				return
			}
		}
	}
}

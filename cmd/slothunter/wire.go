package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/slot-hunter/internal/config"
	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/notify"
	"github.com/tbourn/slot-hunter/internal/observability"
	"github.com/tbourn/slot-hunter/internal/portal"
	"github.com/tbourn/slot-hunter/internal/repo"
	"github.com/tbourn/slot-hunter/internal/services"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildStore opens the seen-set store selected by STORE_DRIVER. The returned
// closer releases the underlying connection.
func buildStore(ctx context.Context, cfg config.StoreConfig) (services.Store, io.Closer, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := repo.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return repo.NewSQLiteStore(db), sqlDB, nil

	case "file":
		return repo.NewFileStore(cfg.FilePath), nopCloser{}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPass,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return repo.NewRedisStore(client, cfg.RedisKey), closerFunc(client.Close), nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// seenCounter is implemented by stores that can size the seen-set without
// reading every row.
type seenCounter interface {
	Count(ctx context.Context) (int64, error)
}

// seedSeenGauge publishes the persisted seen-set size before the first
// cycle so /metrics does not report zero while the loop is still dialing
// the portal. Stores without a cheap count are left to the first load.
func seedSeenGauge(ctx context.Context, store services.Store, m *observability.HunterMetrics) {
	c, ok := store.(seenCounter)
	if !ok {
		return
	}
	n, err := c.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("count seen-set")
		return
	}
	m.SetSeenSlots(int(n))
}

// buildSender returns the notification channel selected by NOTIFY_PROVIDER.
func buildSender(cfg config.NotifyConfig) (notify.Sender, error) {
	var (
		s   notify.Sender
		err error
	)
	switch cfg.Provider {
	case "pushover":
		s, err = notify.NewPushoverSender(notify.PushConfig{
			Token:   cfg.PushoverToken,
			User:    cfg.PushoverUser,
			Timeout: cfg.DeliveryTimeout,
		})
	case "pushbullet":
		s, err = notify.NewPushbulletSender(notify.PushConfig{
			Token:   cfg.PushbulletToken,
			Timeout: cfg.DeliveryTimeout,
		})
	case "sendgrid":
		s, err = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFrom,
			FromName:  cfg.Title,
			To:        cfg.SendGridTo,
		})
	case "log", "":
		s = notify.NewLogSender(nil)
	default:
		err = fmt.Errorf("unknown notify provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func portalConfig(cfg config.PortalConfig) (portal.Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return portal.Config{}, err
	}
	l := log.With().Str("component", "portal").Logger()
	return portal.Config{
		BaseURL:        cfg.BaseURL,
		TokenURL:       cfg.TokenURL,
		LoginURL:       cfg.LoginURL,
		Email:          cfg.Email,
		Password:       cfg.Password,
		Timeout:        cfg.RequestTimeout,
		RateRPS:        cfg.RateRPS,
		RateBurst:      cfg.RateBurst,
		NameMatchScore: cfg.NameMatchScore,
		Location:       loc,
		Logger:         &l,
	}, nil
}

// portalFactory dials a fresh authenticated session on every call.
func portalFactory(pc portal.Config) services.FetcherFactory {
	return func(ctx context.Context) (services.Fetcher, error) {
		c, err := portal.Dial(ctx, pc)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func pollerConfig(cfg config.Config) services.PollerConfig {
	return services.PollerConfig{
		Criteria: domainCriteria(cfg.Search),

		Interval:           cfg.Poll.Interval,
		Jitter:             cfg.Poll.Jitter,
		TransientBackoff:   cfg.Poll.TransientBackoff,
		UnknownBackoff:     cfg.Poll.UnknownBackoff,
		MaxUnknownFailures: cfg.Poll.MaxUnknownFailures,

		// one fetch is a handful of requests plus a possible re-auth
		FetchTimeout:    5 * cfg.Portal.RequestTimeout,
		DeliveryTimeout: cfg.Notify.DeliveryTimeout,

		MarkSeenOnDeliveryFailure: cfg.Poll.MarkSeenOnDeliveryFailure,
		ClearSeenOnEmpty:          cfg.Poll.ClearSeenOnEmpty,

		Title:            cfg.Notify.Title,
		NotifyOnShutdown: cfg.Notify.ShutdownOnFailure,
	}
}

func domainCriteria(sc config.SearchConfig) domain.Criteria {
	return domain.Criteria{
		City:       sc.City,
		Service:    sc.Service,
		Doctor:     sc.Doctor,
		Clinic:     sc.Clinic,
		LookupDays: sc.LookupDays,
	}
}

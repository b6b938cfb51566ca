package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.etcd.io/bbolt"

	"github.com/mnehpets/authgate/auth"
	"github.com/mnehpets/authgate/config"
	"github.com/mnehpets/authgate/flowstore"
	"github.com/mnehpets/authgate/handler"
	"github.com/mnehpets/authgate/idp"
	"github.com/mnehpets/authgate/middleware"
	"github.com/mnehpets/authgate/passkey"
	"github.com/mnehpets/authgate/users"
)

const (
	sweepInterval      = time.Minute
	ceremonyKeyPrefix  = "authgate:ceremony:"
	sessionCookieKeyID = "k1"
)

// app is the wired service: the HTTP handler plus the background jobs and
// resources that live as long as it does.
type app struct {
	handler http.Handler
	jobs    []func(context.Context) error
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// newApp builds the service from cfg. On error every resource opened so far
// is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dir, err := users.New()
	if cfg.UsersFile != "" {
		dir, err = users.Load(cfg.UsersFile)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("user directory loaded", "users", dir.Len())

	flows, ceremonies, err := a.flowStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	var store passkey.CredentialStore = passkey.NewMemoryStore()
	if cfg.PasskeyDB != "" {
		bs, err := passkey.OpenBoltStore(cfg.PasskeyDB, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bs.Close)
		store = bs
		logger.Info("passkey store", "backend", "bbolt", "path", cfg.PasskeyDB)
	} else {
		logger.Warn("passkey store", "backend", "memory")
	}

	provider := idp.NewAuthlete(cfg.BaseURL, cfg.ServiceID, cfg.AccessToken)
	flowOpts := []auth.Option{auth.WithLogger(logger)}
	if cfg.IssuerURL != "" {
		v, err := auth.NewIDTokenVerifier(ctx, cfg.IssuerURL, cfg.ClientID)
		if err != nil {
			return nil, fmt.Errorf("id token verifier: %w", err)
		}
		flowOpts = append(flowOpts, auth.WithIDTokenVerifier(v))
	}
	flow := auth.NewController(auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scope:        cfg.Scope,
		LoginURL:     cfg.LoginURL,
		TTL:          cfg.FlowTTL(),
		IDPTimeout:   cfg.IDPTimeout,
	}, provider, flows, dir, flowOpts...)

	passkeys, err := passkey.NewService(passkey.RelyingParty{
		ID:          cfg.RPID,
		DisplayName: cfg.RPDisplayName,
		Origins:     cfg.RPOrigins,
	}, store, dir, ceremonies, passkey.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	key, err := cfg.CookieKeyBytes()
	if err != nil {
		return nil, err
	}
	if key == nil {
		logger.Warn("AUTHGATE_COOKIE_KEY not set, sessions will not survive a restart")
		if key, err = middleware.NewKey(); err != nil {
			return nil, err
		}
	}
	cookie, err := middleware.NewSecureCookie(middleware.DefaultCookieName, sessionCookieKeyID,
		map[string][]byte{sessionCookieKeyID: key}, middleware.WithSecure(cfg.CookieSecure))
	if err != nil {
		return nil, err
	}

	a.handler = handler.New(flow, passkeys,
		middleware.NewSessionProcessor(cookie),
		middleware.NewAPIHeaders(cfg.CORSOrigins, cfg.CookieSecure),
		handler.WithLogger(logger),
		handler.WithPostLoginURL(cfg.PostLoginURL),
	)
	return a, nil
}

// flowStores returns the login and ceremony stores: Valkey when configured,
// otherwise in-process maps swept by a background job.
func (a *app) flowStores(cfg *config.Config, logger *slog.Logger) (flowstore.Store[flowstore.FlowState], flowstore.Store[passkey.Ceremony], error) {
	if cfg.ValkeyAddr != "" {
		client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.ValkeyAddr}})
		if err != nil {
			return nil, nil, fmt.Errorf("valkey %s: %w", cfg.ValkeyAddr, err)
		}
		a.closers = append(a.closers, func() error {
			client.Close()
			return nil
		})
		logger.Info("flow store", "backend", "valkey", "addr", cfg.ValkeyAddr)
		return flowstore.NewValkey[flowstore.FlowState](client, flowstore.DefaultKeyPrefix),
			flowstore.NewValkey[passkey.Ceremony](client, ceremonyKeyPrefix), nil
	}

	flows := flowstore.NewMemory[flowstore.FlowState]()
	ceremonies := flowstore.NewMemory[passkey.Ceremony]()
	a.jobs = append(a.jobs,
		func(ctx context.Context) error { return flows.Run(ctx, sweepInterval) },
		func(ctx context.Context) error { return ceremonies.Run(ctx, sweepInterval) },
	)
	logger.Info("flow store", "backend", "memory")
	return flows, ceremonies, nil
}

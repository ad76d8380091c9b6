package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/core"
	"github.com/dcrodman/seatkeeper/internal/core/data"
	"github.com/dcrodman/seatkeeper/internal/core/debug"
	"github.com/dcrodman/seatkeeper/internal/core/metrics"
	"github.com/dcrodman/seatkeeper/internal/join"
	"github.com/dcrodman/seatkeeper/internal/protocol"
	"github.com/dcrodman/seatkeeper/internal/proxy"
)

// Controller is the main entrypoint for seatkeeper. It's responsible for
// initializing any shared resources (such as database and logging), wiring
// the relay together and running it until the context is cancelled.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	db     *gorm.DB
	wg     sync.WaitGroup

	frontend *proxy.Frontend
}

func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by every component.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	c.db, err = data.Open(c.Config)
	if err != nil {
		return err
	}
	provider := auth.NewProvider(c.db, NewRefresher(c.Config))
	c.warmCredentials(ctx, provider)

	if c.Config.Metrics.Enabled {
		metrics.StartServer(ctx, c.logger, c.Config.Metrics.Address)
	}
	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	joiner := &join.Joiner{Sessions: auth.NewSessionClient(c.Config.Auth.SessionServerURL)}
	if c.Config.Debugging.PacketLoggingEnabled {
		joiner.Tracer = func() protocol.Tracer {
			return debug.PacketTracer(c.logger.WithField("component", "backend"), protocol.Clientbound)
		}
	}

	c.frontend = &proxy.Frontend{
		Config: c.Config,
		Logger: c.logger,
		Handler: &proxy.Handler{
			Config: c.Config,
			Joiner: joiner,
			Handoff: &proxy.Coordinator{
				Config:     c.Config,
				Logger:     c.logger,
				Identities: provider,
				Joiner:     joiner,
			},
		},
	}
	if err := c.frontend.Start(ctx, &c.wg); err != nil {
		return err
	}

	c.logger.Infof("relaying %s to %s for %s", c.Config.ListenAddress, c.Config.BackendAddress, c.Config.Player)
	c.wg.Wait()
	return nil
}

// warmCredentials resolves the configured accounts up front so that problems
// show up at startup rather than at the first handoff. Failures are only logged.
func (c *Controller) warmCredentials(ctx context.Context, provider *auth.Provider) {
	for _, ref := range c.Config.Accounts() {
		cred, err := provider.Authenticate(ctx, ref)
		if err != nil {
			c.logger.Warnf("account %s is not usable yet: %v", ref, err)
			continue
		}
		c.logger.Infof("account %s ready as %s (token valid until %s)",
			ref, cred.Username, cred.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
}

func (c *Controller) Shutdown() {
	c.wg.Wait()
	if c.db != nil {
		if err := data.Close(c.db); err != nil && c.logger != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
	}
}

// NewRefresher returns the token refresher for cfg, or nil when no client id
// is configured and stored tokens have to be used as they are.
func NewRefresher(cfg *core.Config) auth.Refresher {
	if cfg.Auth.ClientID == "" {
		return nil
	}
	return auth.NewMicrosoftRefresher(cfg.Auth.ClientID)
}

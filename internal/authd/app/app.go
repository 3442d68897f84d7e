package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbleos/authd/internal/authd/hwsec"
	"github.com/nimbleos/authd/internal/authd/service"
	"github.com/nimbleos/authd/internal/authd/store"
	"github.com/nimbleos/authd/internal/authd/store/drivers/sqlite"
	"github.com/nimbleos/authd/pkg/cryptox"
	"github.com/nimbleos/authd/pkg/jwtx"
	"github.com/nimbleos/authd/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the credential daemon together: storage, the hardware
// backends (or their unavailable stubs), the session registry and the
// housekeeping worker. The IPC surface that exposes the manager is mounted
// separately; everything behind it lives here.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db store.Store

	challengeHelper *service.ChallengeCredentialsHelper
	manager         *service.SessionManager
	housekeeping    *service.HousekeepingService
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "authd",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	evidence, err := app.initEvidence()
	if err != nil {
		return nil, err
	}

	app.initServices(evidence)
	return app, nil
}

func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(app.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("apply migrations: %w", err)
	}
	app.db = db
	return nil
}

// initEvidence loads the evidence signing key from disk when configured, and
// otherwise mints a fresh per-boot key: evidence only needs to be verifiable
// for the lifetime of the sessions it describes.
func (app *Application) initEvidence() (*service.EvidenceIssuer, error) {
	var (
		pemKey []byte
		err    error
	)
	if app.cfg.EvidenceKeyPath != "" {
		pemKey, err = os.ReadFile(app.cfg.EvidenceKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read evidence key: %w", err)
		}
	} else {
		pemKey, err = cryptox.GenerateEd25519Key()
		if err != nil {
			return nil, fmt.Errorf("generate evidence key: %w", err)
		}
	}

	signer, err := jwtx.NewSignerEdDSA("boot-key", pemKey)
	if err != nil {
		return nil, fmt.Errorf("load evidence signer: %w", err)
	}
	return &service.EvidenceIssuer{
		Signer: signer,
		Issuer: app.cfg.Issuer,
		TTL:    app.cfg.EvidenceTTL,
	}, nil
}

func (app *Application) initServices(evidence *service.EvidenceIssuer) {
	limiter := hwsec.NewSoftLimiter(app.db.Leases(), app.logger, hwsec.SoftLimiterConfig{})

	// Sealing and biometrics need device integrations that mount over these
	// stubs on hardware that has them.
	app.challengeHelper = service.NewChallengeCredentialsHelper(hwsec.UnavailableSealer{}, app.logger)

	app.manager = &service.SessionManager{
		Dispatch: &service.VerificationDispatch{
			Limiter:      limiter,
			Fingerprints: hwsec.UnavailableFingerprintMatcher{},
			Challenge:    app.challengeHelper,
			Logger:       app.logger,
		},
		Factors:  app.db.Factors(),
		Signals:  &service.LogSignalSink{Logger: app.logger},
		Evidence: evidence,
		Logger:   app.logger,
	}

	app.housekeeping = service.NewHousekeepingService(
		app.db, app.manager, app.logger, app.cfg.HousekeepingInterval)
}

// Manager exposes the session registry to the IPC surface.
func (app *Application) Manager() *service.SessionManager { return app.manager }

// Run starts the daemon and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	app.housekeeping.Start()
	app.logger.Info("authd starting", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)
	return app.Shutdown()
}

// Shutdown tears the daemon down in dependency order: stop background work,
// invalidate every session, drain the challenge helper, close storage.
func (app *Application) Shutdown() error {
	app.housekeeping.Stop()
	app.manager.Close()
	app.challengeHelper.Close()

	if err := app.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	app.logger.Info("authd stopped")
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/e2ee/lib/bootstrap"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/command"
	"github.com/bureau-foundation/e2ee/lib/config"
	"github.com/bureau-foundation/e2ee/lib/keystore"
	"github.com/bureau-foundation/e2ee/lib/olm"
	"github.com/bureau-foundation/e2ee/lib/sealed"
	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/lib/service"
	"github.com/bureau-foundation/e2ee/lib/verification"
	"github.com/bureau-foundation/e2ee/lib/version"
	"github.com/bureau-foundation/e2ee/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath        string
		showVersion       bool
		interactive       bool
		generatePickleKey string
		login             string
		loginDevice       string
	)

	flagSet := pflag.NewFlagSet("bureau-e2ee", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the daemon config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVar(&interactive, "interactive", false, "read operator commands from stdin")
	flagSet.StringVar(&generatePickleKey, "generate-pickle-key", "", "write a new pickle key to `PATH` and exit")
	flagSet.StringVar(&login, "login", "", "log in as `USER` with a password read from stdin, write session_file, and exit")
	flagSet.StringVar(&loginDevice, "device-id", "", "device ID to reuse with --login (default: allocated by the server)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("bureau-e2ee %s\n", version.Info())
		return nil
	}
	if generatePickleKey != "" {
		return writePickleKey(generatePickleKey, os.Stdout)
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if login != "" {
		return runLogin(ctx, cfg, login, loginDevice, logger)
	}

	_, session, err := service.LoadSession(cfg.SessionFile, cfg.HomeserverURL, logger)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	defer session.Close()
	if err := service.ValidateSession(ctx, session); err != nil {
		return err
	}
	logger.Info("matrix session valid",
		"user_id", session.UserID().String(),
		"device_id", session.DeviceID().String(),
	)

	store, pickleKey, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if pickleKey != nil {
		defer pickleKey.Close()
	}

	clk := clock.Real()
	engine, created, err := olm.Open(ctx, olm.Config{
		Store:     store,
		PickleKey: pickleKey,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("opening olm account: %w", err)
	}
	defer engine.Close()

	d := &daemon{
		localUser:   session.UserID(),
		localDevice: session.DeviceID(),
		peers:       cfg.Bootstrap.PeerUserIDs(session.UserID()),
		oneTimeKeys: cfg.Keys.OneTimeKeys,
		homeserver:  session,
		engine:      engine,
		verified:    keystore.NewVerified(store),
		clock:       clk,
		logger:      logger,
	}

	d.bootstrapper, err = bootstrap.New(bootstrap.Config{
		Client:       session,
		Engine:       engine,
		LocalUser:    d.localUser,
		LocalDevice:  d.localDevice,
		Concurrency:  cfg.Bootstrap.Concurrency,
		ClaimTimeout: time.Duration(cfg.Bootstrap.ClaimTimeoutMS) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	policy, err := verification.ParsePolicy(cfg.Verification.Policy)
	if err != nil {
		return err
	}
	_, localEd25519 := engine.Account().IdentityKeys()
	d.coordinator, err = verification.NewCoordinator(verification.Config{
		LocalUser:         d.localUser,
		LocalDevice:       d.localDevice,
		LocalEd25519:      localEd25519,
		Sender:            toDeviceSender{client: session},
		Policy:            policy,
		Clock:             clk,
		Retention:         cfg.Verification.RetentionDuration(),
		Timeout:           cfg.Verification.TimeoutDuration(),
		CollectInterval:   cfg.Verification.CollectIntervalDuration(),
		EnforceCommitment: cfg.Verification.EnforceCommitment,
		DeviceKeys:        d.bootstrapper.Ed25519,
		OnVerified:        d.onVerified,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	d.registry = command.New(clk, logger)
	d.registerCommands()

	if created && cfg.Keys.UploadOnStart {
		if err := d.uploadKeys(ctx, true, 0); err != nil {
			return fmt.Errorf("publishing device keys: %w", err)
		}
	}

	sinceToken, initial, err := service.InitialSync(ctx, session, service.ToDeviceFilter)
	if err != nil {
		return err
	}
	d.handleSync(ctx, initial)
	if d.bootstrapper.EnsureSessions(ctx, d.peers) > 0 {
		d.save(ctx)
	}

	go d.coordinator.Run(ctx)
	syncErr := make(chan error, 1)
	go func() {
		syncErr <- service.RunSyncLoop(ctx, session, service.SyncConfig{
			Filter:     service.ToDeviceFilter,
			Timeout:    cfg.Sync.TimeoutMS,
			MaxBackoff: cfg.Sync.MaxBackoffDuration(),
		}, sinceToken, d.handleSync, clk, logger)
	}()

	if interactive {
		go func() {
			if runConsole(ctx, d.registry, os.Stdin, os.Stdout) {
				logger.Info("quit requested from console")
				stop()
				return
			}
			logger.Info("console input closed")
		}()
	}

	curveKey, _ := engine.Account().IdentityKeys()
	logger.Info("bureau-e2ee running",
		"version", version.Info(),
		"curve25519", curveKey,
		"peers", len(d.peers),
		"policy", policy.String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-syncErr:
		logger.Error("sync loop ended", "error", runErr)
	}

	// The main context is already cancelled.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.save(saveCtx)
	return runErr
}

// runLogin creates the session file from a password read from stdin.
func runLogin(ctx context.Context, cfg *config.Config, username, deviceID string, logger *slog.Logger) error {
	if cfg.HomeserverURL == "" {
		return errors.New("--login needs homeserver_url in the configuration")
	}
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: cfg.HomeserverURL, Logger: logger})
	if err != nil {
		return err
	}
	password, err := secret.ReadFromPath("-")
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	defer password.Close()

	session, err := service.Login(ctx, client, username, password, deviceID, cfg.SessionFile)
	if err != nil {
		return err
	}
	defer session.Close()
	fmt.Printf("logged in as %s, device %s; session written to %s\n", session.UserID(), session.DeviceID(), cfg.SessionFile)
	return nil
}

// newLogger builds the slog handler named by the logging section.
func newLogger(cfg config.LoggingConfig, output io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(output, options)), nil
	}
	return slog.New(slog.NewJSONHandler(output, options)), nil
}

// openStore opens the SQLite key store and its pickle key, or an
// in-memory store when no path is configured.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (keystore.Store, *secret.Buffer, error) {
	if cfg.Path == "" {
		logger.Warn("no store.path configured; the olm account will not survive a restart")
		return keystore.NewMemory(), nil, nil
	}
	pickleKey, err := secret.ReadFromPath(cfg.PickleKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading pickle key: %w", err)
	}
	if _, err := sealed.PublicKeyOf(pickleKey); err != nil {
		pickleKey.Close()
		return nil, nil, fmt.Errorf("pickle key %s: %w", cfg.PickleKeyFile, err)
	}
	store, err := keystore.OpenSQLite(ctx, cfg.Path, logger)
	if err != nil {
		pickleKey.Close()
		return nil, nil, err
	}
	return store, pickleKey, nil
}

// writePickleKey writes a new age identity to path, which must not
// exist, and prints its recipient.
func writePickleKey(path string, output io.Writer) error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating pickle key file: %w", err)
	}
	_, err = file.Write(keypair.PrivateKey.Bytes())
	if err == nil {
		_, err = file.WriteString("\n")
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("writing pickle key file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("writing pickle key file: %w", err)
	}
	fmt.Fprintf(output, "pickle key written to %s\nrecipient: %s\n", path, keypair.PublicKey)
	return nil
}

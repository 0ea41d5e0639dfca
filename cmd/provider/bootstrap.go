package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/attestation"
	"github.com/ruteri/tee-sealing-key-provider/audit"
	"github.com/ruteri/tee-sealing-key-provider/config"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/httpserver"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/kms"
	"github.com/ruteri/tee-sealing-key-provider/metrics"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/replay"
)

// startupLabel is derived once at startup to check the hardware root.
const startupLabel = "skp/startup-check"

type bootstrapError struct {
	code int
	err  error
}

func (e *bootstrapError) Error() string { return e.err.Error() }
func (e *bootstrapError) Unwrap() error { return e.err }

func configError(err error) error      { return &bootstrapError{code: exitConfig, err: err} }
func attestationError(err error) error { return &bootstrapError{code: exitAttestation, err: err} }
func derivationError(err error) error  { return &bootstrapError{code: exitDerivation, err: err} }

// provider holds the running components.
type provider struct {
	protocol  *release.Protocol
	pool      *release.WorkerPool
	tlsConfig *tls.Config
	httpSrv   *httpserver.Server
	closers   []func() error
}

func (p *provider) close() {
	if p.httpSrv != nil {
		p.httpSrv.Shutdown()
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// bootstrap builds and checks every component. The HTTP server, when
// configured, is started early so that administrators can unlock a Shamir root.
func bootstrap(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*provider, error) {
	p := &provider{}
	started := false
	defer func() {
		if !started {
			p.close()
		}
	}()

	identity, err := cfg.SealingIdentity()
	if err != nil {
		return nil, configError(err)
	}

	quotes, err := quoteProvider(cfg, identity.Measurement)
	if err != nil {
		return nil, configError(err)
	}
	generator := attestation.NewGenerator(quotes, cfg.GeneratorPolicy(), log, m)

	// The startup quote proves the attestation subsystem is reachable and, when no
	// measurement is configured, tells the provider its own identity.
	var startupNonce interfaces.Nonce
	if _, err := rand.Read(startupNonce[:]); err != nil {
		return nil, attestationError(err)
	}
	startupQuote, err := generator.Generate(ctx, interfaces.IdentityReportData(startupNonce, identity))
	if err != nil {
		return nil, attestationError(fmt.Errorf("startup attestation: %w", err))
	}
	if identity.Measurement.IsZero() {
		identity.Measurement = startupQuote.Measurement
	} else if identity.Measurement != startupQuote.Measurement {
		log.Warn("Configured measurement differs from the attested one",
			"configured", identity.Measurement.String(),
			"attested", startupQuote.Measurement.String())
	}
	log.Info("Attestation subsystem reachable", "type", string(generator.AttestationType()), "measurement", startupQuote.Measurement.String())

	var platform []byte
	if cfg.Verifier.RequireSamePlatform {
		if len(startupQuote.Platform) == 0 {
			return nil, attestationError(errors.New("verifier.require_same_platform is set but the provider quote reports no platform"))
		}
		platform = startupQuote.Platform
		log.Info("Only releasing keys to enclaves on this platform", "platform", hex.EncodeToString(platform))
	}

	verifier, err := quoteVerifier(cfg, platform)
	if err != nil {
		return nil, configError(err)
	}

	root, shamirRoot, err := hardwareRoot(ctx, cfg, log)
	if err != nil {
		var be *bootstrapError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, derivationError(err)
	}
	if sr, ok := root.(*kms.StaticRoot); ok {
		p.closers = append(p.closers, func() error { sr.Erase(); return nil })
	}
	engine := kms.NewEngine(root)

	nonces, err := nonceStore(ctx, cfg, p)
	if err != nil {
		return nil, configError(err)
	}

	deps := release.Deps{
		Verifier:  verifier,
		Generator: generator,
		Deriver:   engine,
		Nonces:    nonces,
		Metrics:   m,
	}
	sinks, err := audit.NewMultiSink(cfg.Audit.Sinks, log)
	if err != nil {
		return nil, configError(err)
	}
	if sinks != nil {
		// Written in the background so that slow sinks do not hold worker slots.
		async := audit.NewAsyncSink(sinks, cfg.Audit.QueueSize, cfg.Audit.WriteTimeout, log)
		deps.Audit = async
		p.closers = append(p.closers, async.Close)
		log.Info("Audit trail enabled", "sinks", sinks.Name(), "queue", cfg.Audit.QueueSize)
	}

	p.protocol = release.NewProtocol(release.Config{
		Identity:                 identity,
		DerivationVersion:        cfg.Release.DerivationVersion,
		RequestTimeout:           cfg.Release.RequestTimeout,
		ReplayWindow:             cfg.ReplayWindow(),
		BindRequesterMeasurement: cfg.Release.BindRequesterMeasurement,
	}, deps, log)

	// Stream and HTTP releases share one pool. Waiting for a worker counts against
	// the same budget as a release.
	p.pool = release.NewWorkerPool(cfg.Server.Workers, cfg.Release.RequestTimeout)

	if cfg.Server.TLS {
		p.tlsConfig, err = cryptoutils.ServerTLSConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return nil, configError(err)
		}
	}

	if cfg.HTTP.ListenAddr != "" {
		var admin *httpserver.AdminHandler
		if shamirRoot != nil {
			admin = httpserver.NewAdminHandler(shamirRoot, log)
		}
		p.httpSrv = httpserver.New(&httpserver.HTTPServerConfig{
			ListenAddr:               cfg.HTTP.ListenAddr,
			EnablePprof:              cfg.HTTP.EnablePprof,
			Log:                      log,
			DrainDuration:            cfg.HTTP.DrainDuration,
			GracefulShutdownDuration: 30 * time.Second,
			ReadTimeout:              cfg.HTTP.ReadTimeout,
			WriteTimeout:             cfg.HTTP.WriteTimeout,
		}, httpserver.NewHandler(p.protocol, generator, p.pool, log), admin)
		if err := p.httpSrv.RunInBackground(); err != nil {
			p.httpSrv = nil
			return nil, configError(fmt.Errorf("http listener: %w", err))
		}
	}

	if shamirRoot != nil && !shamirRoot.IsUnlocked() {
		if p.httpSrv == nil {
			return nil, derivationError(errors.New("shamir root is locked and no HTTP listener is configured for share submission"))
		}
		log.Info("Waiting for administrators to unlock the root", "timeout", cfg.Root.Shamir.UnlockTimeout)
		unlockCtx, cancel := context.WithTimeout(ctx, cfg.Root.Shamir.UnlockTimeout)
		err := shamirRoot.WaitUnlocked(unlockCtx)
		cancel()
		if err != nil {
			return nil, derivationError(fmt.Errorf("%w: root not unlocked: %w", interfaces.ErrDerivationUnavailable, err))
		}
	}

	startupKey, err := engine.Derive(identity, startupLabel)
	if err != nil {
		return nil, derivationError(err)
	}
	startupKey.Erase()
	log.Info("Hardware root usable", "backend", cfg.Root.Backend)

	started = true
	return p, nil
}

func quoteProvider(cfg *config.Config, measurement interfaces.Measurement) (interfaces.QuoteProvider, error) {
	attType, err := cryptoutils.AttestationTypeFromString(cfg.Attestation.Type)
	if err != nil {
		return nil, err
	}

	switch attType {
	case interfaces.SoftwareAttestation:
		authority, err := softwareAuthority(cfg.Attestation.AuthoritySeed)
		if err != nil {
			return nil, err
		}
		if measurement.IsZero() {
			return nil, errors.New("software attestation needs identity.measurement")
		}
		platform, err := cfg.SoftwarePlatform()
		if err != nil {
			return nil, err
		}
		return authority.Provider(measurement).OnPlatform(platform), nil
	default:
		if cfg.Attestation.RemoteAddress != "" {
			return &cryptoutils.RemoteQuoteProvider{Address: cfg.Attestation.RemoteAddress}, nil
		}
		return cryptoutils.DCAPQuoteProvider{}, nil
	}
}

func softwareAuthority(seedHex string) (*cryptoutils.SoftwareAuthority, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority seed: %w", err)
	}
	return cryptoutils.NewSoftwareAuthority(seed)
}

// quoteVerifier trusts DCAP quotes through Intel's collateral, and software
// quotes when an authority key is configured. A non-nil platform restricts
// peers to that platform.
func quoteVerifier(cfg *config.Config, platform []byte) (*attestation.Verifier, error) {
	policy, err := cfg.VerifierPolicy()
	if err != nil {
		return nil, err
	}
	policy.Platform = platform

	backends := []interfaces.QuoteVerifier{&cryptoutils.DCAPVerifier{CheckCollateral: cfg.Verifier.DCAPCheckCollateral}}

	var authorityKey ed25519.PublicKey
	switch {
	case cfg.Attestation.AuthorityPublicKey != "":
		authorityKey, err = hex.DecodeString(strings.TrimPrefix(cfg.Attestation.AuthorityPublicKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid authority public key: %w", err)
		}
	case cfg.Attestation.AuthoritySeed != "":
		authority, err := softwareAuthority(cfg.Attestation.AuthoritySeed)
		if err != nil {
			return nil, err
		}
		authorityKey = authority.PublicKey()
	}
	if authorityKey != nil {
		backends = append(backends, &cryptoutils.SoftwareVerifier{Root: authorityKey})
	}

	return attestation.NewVerifier(policy, backends...), nil
}

// hardwareRoot opens the configured root. The Shamir root is returned locked
// when shares still have to be submitted.
func hardwareRoot(ctx context.Context, cfg *config.Config, log *slog.Logger) (interfaces.HardwareRoot, *kms.ShamirRoot, error) {
	switch cfg.Root.Backend {
	case "static":
		log.Warn("Using a static root secret, only suitable for development")
		root, err := kms.NewStaticRootFromHex(cfg.Root.StaticSecret)
		if err != nil {
			return nil, nil, configError(err)
		}
		return root, nil, nil

	case "file":
		return &kms.FileRoot{Path: cfg.Root.FilePath}, nil, nil

	case "shamir":
		adminKeys, err := cfg.AdminKeys()
		if err != nil {
			return nil, nil, configError(err)
		}
		root, err := kms.NewShamirRoot(kms.ShamirConfig{
			Threshold: cfg.Root.Shamir.Threshold,
			AdminKeys: adminKeys,
		})
		if err != nil {
			return nil, nil, configError(err)
		}
		if dir := cfg.Root.Shamir.SharesDir; dir != "" {
			if err := root.LoadShareFiles(dir); err != nil {
				return nil, nil, configError(err)
			}
		}
		return root, root, nil

	case "vault":
		root, err := kms.NewVaultRoot(ctx, kms.VaultConfig{
			Address:    cfg.Root.Vault.Address,
			Token:      cfg.Root.Vault.Token,
			MountPath:  cfg.Root.Vault.MountPath,
			SecretPath: cfg.Root.Vault.SecretPath,
			Field:      cfg.Root.Vault.Field,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return root, nil, nil

	default:
		return nil, nil, configError(fmt.Errorf("unknown root backend %q", cfg.Root.Backend))
	}
}

func nonceStore(ctx context.Context, cfg *config.Config, p *provider) (interfaces.NonceStore, error) {
	if cfg.Replay.Backend != "redis" {
		return replay.NewMemoryStore(cfg.Replay.Capacity), nil
	}

	client, err := replay.NewRedisClient(ctx, replay.RedisConfig{
		Addr:     cfg.Replay.Redis.Addr,
		Username: cfg.Replay.Redis.Username,
		Password: cfg.Replay.Redis.Password,
		DB:       cfg.Replay.Redis.DB,
		TLS:      cfg.Replay.Redis.TLS,
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, client.Close)
	return replay.NewRedisStore(client, cfg.Replay.Redis.Prefix), nil
}

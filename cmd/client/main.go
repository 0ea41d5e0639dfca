// Command client requests a sealing key from a provider and writes it out.
//
// The requester's own quotes come from the local TDX guest, a remote attestation
// service or, for development, a software attestation authority.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ruteri/tee-sealing-key-provider/attestation"
	"github.com/ruteri/tee-sealing-key-provider/client"
	"github.com/ruteri/tee-sealing-key-provider/cmd/flags"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	flagProviderAddr = &cli.StringFlag{
		Name:  "provider-addr",
		Value: "127.0.0.1:7070",
		Usage: "provider address: host:port for tcp, cid:port for vsock, or an http(s) URL",
	}
	flagNetwork = &cli.StringFlag{
		Name:  "network",
		Value: "tcp",
		Usage: "stream network: 'tcp' or 'vsock'; ignored for http(s) addresses",
	}
	flagTLS = &cli.BoolFlag{
		Name:  "tls",
		Usage: "use TLS on the stream connection",
	}
	flagCAFile = &cli.StringFlag{
		Name:  "ca-file",
		Usage: "CA bundle to verify the provider TLS certificate",
	}
	flagLabel = &cli.StringFlag{
		Name:     "label",
		Required: true,
		Usage:    "key label",
	}
	flagOutput = &cli.StringFlag{
		Name:  "output",
		Usage: "write the key to this file instead of stdout (hex)",
	}
	flagMeasurement = &cli.StringFlag{
		Name:  "measurement",
		Usage: "own measurement, required for software attestation",
	}
	flagRemoteAttestation = &cli.StringFlag{
		Name:  "remote-attestation-addr",
		Usage: "attestation service URL to obtain DCAP quotes from",
	}
	flagProviderMeasurements = &cli.StringSliceFlag{
		Name:  "provider-measurement",
		Usage: "allowed provider measurement; when none is given the provider quote is not verified",
	}
	flagCheckCollateral = &cli.BoolFlag{
		Name:  "dcap-check-collateral",
		Value: true,
		Usage: "check provider DCAP quotes against Intel PCS collateral and revocations",
	}
	flagAttempts = &cli.IntFlag{
		Name:  "attempts",
		Value: 3,
		Usage: "attempts on retryable rejections",
	}
	flagTimeout = &cli.DurationFlag{
		Name:  "timeout",
		Value: 30 * time.Second,
		Usage: "overall request timeout",
	}
)

func main() {
	app := &cli.App{
		Name:  "client",
		Usage: "Request a sealing key from a provider",
		Flags: append([]cli.Flag{
			flags.EnvFileFlag,
			flagProviderAddr,
			flagNetwork,
			flagTLS,
			flagCAFile,
			flagLabel,
			flagOutput,
			flags.AttestationTypeFlag,
			flags.AuthoritySeedFlag,
			flagMeasurement,
			flagRemoteAttestation,
			flagProviderMeasurements,
			flagCheckCollateral,
			flagAttempts,
			flagTimeout,
		}, flags.CommonFlags...),
		Before: func(cCtx *cli.Context) error {
			// A missing env file is fine.
			_ = godotenv.Load(cCtx.String(flags.EnvFileFlag.Name))
			return nil
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	quotes, authority, err := ownQuoteProvider(cCtx)
	if err != nil {
		return cli.Exit(err, 2)
	}

	rt, err := roundTripper(cCtx)
	if err != nil {
		return cli.Exit(err, 2)
	}

	var verifier client.ProviderVerifier
	if allowed := cCtx.StringSlice(flagProviderMeasurements.Name); len(allowed) > 0 {
		set, err := interfaces.NewMeasurementSet(allowed)
		if err != nil {
			return cli.Exit(err, 2)
		}
		backends := []interfaces.QuoteVerifier{&cryptoutils.DCAPVerifier{CheckCollateral: cCtx.Bool(flagCheckCollateral.Name)}}
		if authority != nil {
			backends = append(backends, &cryptoutils.SoftwareVerifier{Root: authority.PublicKey()})
		}
		verifier = attestation.NewVerifier(attestation.VerifierConfig{
			AllowedMeasurements: set,
			MaxStaleness:        5 * time.Minute,
			MaxClockSkew:        30 * time.Second,
		}, backends...)
	} else {
		logger.Warn("Provider attestation is not verified, pass --provider-measurement")
	}

	c := client.NewClient(client.Config{MaxAttempts: cCtx.Int(flagAttempts.Name)}, quotes, rt, verifier, logger)

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	key, err := c.RequestKey(ctx, cCtx.String(flagLabel.Name))
	if err != nil {
		if code, ok := interfaces.RejectCodeOf(err); ok {
			return cli.Exit(fmt.Sprintf("request rejected: %s", code), 1)
		}
		return err
	}
	defer key.Erase()

	out := hex.EncodeToString(key)
	if path := cCtx.String(flagOutput.Name); path != "" {
		return os.WriteFile(path, []byte(out+"\n"), 0o600)
	}
	fmt.Println(out)
	return nil
}

func ownQuoteProvider(cCtx *cli.Context) (interfaces.QuoteProvider, *cryptoutils.SoftwareAuthority, error) {
	attType, err := cryptoutils.AttestationTypeFromString(cCtx.String(flags.AttestationTypeFlag.Name))
	if err != nil {
		return nil, nil, err
	}

	if attType == interfaces.SoftwareAttestation {
		seed, err := hex.DecodeString(strings.TrimPrefix(cCtx.String(flags.AuthoritySeedFlag.Name), "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid authority seed: %w", err)
		}
		authority, err := cryptoutils.NewSoftwareAuthority(seed)
		if err != nil {
			return nil, nil, err
		}
		m, err := interfaces.NewMeasurementFromHex(cCtx.String(flagMeasurement.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("--measurement: %w", err)
		}
		return authority.Provider(m), authority, nil
	}

	if addr := cCtx.String(flagRemoteAttestation.Name); addr != "" {
		return &cryptoutils.RemoteQuoteProvider{Address: addr}, nil, nil
	}
	return cryptoutils.DCAPQuoteProvider{}, nil, nil
}

func roundTripper(cCtx *cli.Context) (client.RoundTripper, error) {
	addr := cCtx.String(flagProviderAddr.Name)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return &client.HTTPTransport{BaseURL: addr}, nil
	}

	st := &client.StreamTransport{Network: cCtx.String(flagNetwork.Name), Address: addr}
	if cCtx.Bool(flagTLS.Name) {
		tlsConfig, err := cryptoutils.ClientTLSConfig(cCtx.String(flagCAFile.Name))
		if err != nil {
			return nil, err
		}
		st.TLS = tlsConfig
	}
	return st, nil
}

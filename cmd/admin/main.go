package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-sealing-key-provider/kms"
	"github.com/urfave/cli/v2"
)

var flagProviderAddr *cli.StringFlag = &cli.StringFlag{
	Name:  "provider-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Provider HTTP address",
}
var flagAdminKey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-key-file",
	Value: "admin.key",
	Usage: "Path to the hex-encoded Ed25519 administrator seed",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "Path to a share file",
}
var flagShamirThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
}
var flagShamirTotal *cli.IntFlag = &cli.IntFlag{
	Name:  "shares",
	Value: 3,
}
var flagOutputDir *cli.StringFlag = &cli.StringFlag{
	Name:  "output-dir",
	Value: ".",
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "Administer a sealing key provider's hardware root",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Query the unlock status of the provider's root",
				Flags: []cli.Flag{flagProviderAddr},
				Action: func(cCtx *cli.Context) error {
					resp, err := http.Get(strings.TrimSuffix(cCtx.String(flagProviderAddr.Name), "/") + "/admin/status")
					if err != nil {
						return err
					}
					defer resp.Body.Close()
					return printResponse(resp)
				},
			},
			{
				Name:  "generate-admin",
				Usage: "Generate an administrator key",
				Flags: []cli.Flag{flagAdminKey},
				Action: func(cCtx *cli.Context) error {
					pub, priv, err := ed25519.GenerateKey(rand.Reader)
					if err != nil {
						return fmt.Errorf("failed to generate Ed25519 key: %w", err)
					}
					if err := os.WriteFile(cCtx.String(flagAdminKey.Name), []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
						return err
					}
					fmt.Println(hex.EncodeToString(pub))
					return nil
				},
			},
			{
				Name:  "split-root",
				Usage: "Generate a root secret and split it into unsigned share files",
				Flags: []cli.Flag{flagShamirTotal, flagShamirThreshold, flagOutputDir},
				Action: func(cCtx *cli.Context) error {
					secret := make([]byte, kms.MinRootSecretSize)
					if _, err := rand.Read(secret); err != nil {
						return err
					}
					defer clear(secret)

					shares, err := kms.SplitRootSecret(secret, cCtx.Int(flagShamirTotal.Name), cCtx.Int(flagShamirThreshold.Name))
					if err != nil {
						return err
					}

					dir := cCtx.String(flagOutputDir.Name)
					if err := os.MkdirAll(dir, 0o700); err != nil {
						return err
					}
					for i, share := range shares {
						path := filepath.Join(dir, fmt.Sprintf("share-%d.json", i+1))
						if err := writeShareFile(path, kms.ShareFile{Share: hex.EncodeToString(share)}); err != nil {
							return err
						}
						fmt.Println(path)
					}
					return nil
				},
			},
			{
				Name:  "sign-share",
				Usage: "Sign a share file in place",
				Flags: []cli.Flag{flagShareFile, flagAdminKey},
				Action: func(cCtx *cli.Context) error {
					priv, err := readAdminKey(cCtx.String(flagAdminKey.Name))
					if err != nil {
						return err
					}
					sf, err := readShareFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					share, err := hex.DecodeString(sf.Share)
					if err != nil {
						return fmt.Errorf("invalid share: %w", err)
					}
					return writeShareFile(cCtx.String(flagShareFile.Name), kms.SignShare(share, priv))
				},
			},
			{
				Name:  "submit-share",
				Usage: "Submit a signed share to the provider",
				Flags: []cli.Flag{flagProviderAddr, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					raw, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					url := strings.TrimSuffix(cCtx.String(flagProviderAddr.Name), "/") + "/admin/share"
					resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
					if err != nil {
						return err
					}
					defer resp.Body.Close()
					return printResponse(resp)
				},
			},
			{
				Name:  "generate-authority",
				Usage: "Generate a software attestation authority seed for development",
				Action: func(cCtx *cli.Context) error {
					pub, priv, err := ed25519.GenerateKey(rand.Reader)
					if err != nil {
						return err
					}
					fmt.Printf("authority_seed: %s\nauthority_public_key: %s\n", hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func readAdminKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid admin key file %s", path)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func readShareFile(path string) (kms.ShareFile, error) {
	var sf kms.ShareFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return sf, fmt.Errorf("invalid share file %s: %w", path, err)
	}
	return sf, nil
}

func writeShareFile(path string, sf kms.ShareFile) error {
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

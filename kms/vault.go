package kms

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// VaultConfig locates a root secret stored in a HashiCorp Vault KV v2 engine.
type VaultConfig struct {
	Address string
	Token   string
	// MountPath is the KV v2 mount, e.g. "secret".
	MountPath string
	// SecretPath is the path within the mount, e.g. "skp/root".
	SecretPath string
	// Field holds the hex-encoded secret. Defaults to "root".
	Field string
}

// NewVaultRoot fetches the root secret from Vault once and holds it in memory.
// Any failure to obtain a usable secret wraps ErrDerivationUnavailable.
func NewVaultRoot(ctx context.Context, cfg VaultConfig, log *slog.Logger) (*StaticRoot, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	field := cfg.Field
	if field == "" {
		field = "root"
	}
	mountPath := strings.Trim(cfg.MountPath, "/")
	secretPath := strings.Trim(cfg.SecretPath, "/")
	path := fmt.Sprintf("%s/data/%s", mountPath, secretPath)

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		log.Error("Failed to read root secret from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDerivationUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: no secret at %s", interfaces.ErrDerivationUnavailable, path)
	}

	// KV v2 nests the stored fields under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid data format at %s", interfaces.ErrDerivationUnavailable, path)
	}
	secretHex, ok := data[field].(string)
	if !ok {
		return nil, fmt.Errorf("%w: field %q missing at %s", interfaces.ErrDerivationUnavailable, field, path)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(secretHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid secret encoding: %v", interfaces.ErrDerivationUnavailable, err)
	}
	defer clear(raw)

	root, err := NewStaticRoot(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDerivationUnavailable, err)
	}

	log.Info("Loaded root secret from Vault", slog.String("path", path))
	return root, nil
}

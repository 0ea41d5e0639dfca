package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/tee-sealing-key-provider/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "",
	Usage:   "path to the YAML configuration file; SKP_* environment variables override it",
	EnvVars: []string{"SKP_CONFIG"},
}

var EnvFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Value: ".env",
	Usage: "optional dotenv file loaded before configuration",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "qemu-tdx",
	Usage: "attestation mechanism: 'software' or 'qemu-tdx'",
}

var AuthoritySeedFlag = &cli.StringFlag{
	Name:    "authority-seed",
	Usage:   "hex-encoded 32-byte seed of the software attestation authority",
	EnvVars: []string{"SKP_ATTESTATION_AUTHORITY_SEED"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

package config

import (
	"flag"
	"strings"

	"github.com/dmitrijs2005/memoryweaver/internal/flagx"
)

// parseFlags overlays Config fields from command-line flags.
//
// The short forms kept from earlier releases are:
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-d string   database DSN
//	-s string   JWT HMAC secret key
//	-u/-p/-b/-g/-e  S3 user, password, bucket, region and base endpoint
//
// Every other setting has a long, dashed name (-http-addr, -ipfs-api-url,
// ...). Durations use Go syntax ("90s"), lists are comma separated.
//
// args are first filtered through flagx.FilterArgs so flags owned by other
// components (such as -c) do not cause a parse error.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("memoryweaver", flag.ContinueOnError)

	fs.StringVar(&cfg.GRPCAddr, "a", cfg.GRPCAddr, "gRPC health address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API address")
	fs.StringVar(&cfg.DatabaseDriver, "database-driver", cfg.DatabaseDriver, "metadata database driver: pgx or sqlite")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")

	fs.StringVar(&cfg.S3RootUser, "u", cfg.S3RootUser, "S3 root user")
	fs.StringVar(&cfg.S3RootPassword, "p", cfg.S3RootPassword, "S3 root password")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "e", cfg.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&cfg.S3PublicURL, "s3-public-url", cfg.S3PublicURL, "public base URL for stored objects")

	fs.StringVar(&cfg.IPFSAPIURL, "ipfs-api-url", cfg.IPFSAPIURL, "IPFS RPC API URL")
	fs.StringVar(&cfg.IPFSGatewayTemplate, "ipfs-gateway", cfg.IPFSGatewayTemplate, "gateway URL template with {cid} and {filename}")
	fs.StringVar(&cfg.IPFSToken, "ipfs-token", cfg.IPFSToken, "IPFS API token")
	fs.StringVar(&cfg.IPFSOrigin, "ipfs-origin", cfg.IPFSOrigin, "Origin header sent to the IPFS node")
	fs.StringVar(&cfg.IPFSHeaderName, "ipfs-header", cfg.IPFSHeaderName, "custom header carrying the IPFS token")
	fs.Func("ipfs-strategies", "comma separated auth strategy order", listFlag(&cfg.IPFSStrategies))
	fs.IntVar(&cfg.IPFSRetries, "ipfs-retries", cfg.IPFSRetries, "IPFS upload attempts")
	fs.DurationVar(&cfg.IPFSUploadTimeout, "ipfs-upload-timeout", cfg.IPFSUploadTimeout, "IPFS upload timeout")
	fs.DurationVar(&cfg.IPFSProbeTimeout, "ipfs-probe-timeout", cfg.IPFSProbeTimeout, "IPFS health probe timeout")
	fs.BoolVar(&cfg.IPFSPin, "ipfs-pin", cfg.IPFSPin, "pin uploaded content")

	fs.Func("allowed-extensions", "comma separated extension allow-list", listFlag(&cfg.AllowedExtensions))
	fs.Func("allowed-categories", "comma separated category allow-list", listFlag(&cfg.AllowedCategories))
	fs.Int64Var(&cfg.DefaultMaxSizeBytes, "max-size", cfg.DefaultMaxSizeBytes, "default per-file size ceiling in bytes")
	fs.IntVar(&cfg.MaxFilesPerSession, "max-files", cfg.MaxFilesPerSession, "files per upload session")
	fs.Int64Var(&cfg.AttachmentMaxBytes, "attachment-max-bytes", cfg.AttachmentMaxBytes, "largest attachment fetched for bot uploads")

	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "upload session lifetime")
	fs.StringVar(&cfg.SessionTable, "session-table", cfg.SessionTable, "DynamoDB table for upload sessions; empty keeps them in memory")
	fs.StringVar(&cfg.DynamoEndpoint, "dynamo-endpoint", cfg.DynamoEndpoint, "DynamoDB endpoint override")

	fs.DurationVar(&cfg.InteractionLifetime, "interaction-lifetime", cfg.InteractionLifetime, "response window per interaction")
	fs.IntVar(&cfg.InteractionCacheSize, "interaction-cache-size", cfg.InteractionCacheSize, "bound the interaction state store; 0 is unbounded")

	fs.StringVar(&cfg.DiscordAppID, "discord-app-id", cfg.DiscordAppID, "Discord application id")
	fs.StringVar(&cfg.DiscordPublicKey, "discord-public-key", cfg.DiscordPublicKey, "hex ed25519 key for interaction signatures")
	fs.StringVar(&cfg.DiscordAPIBase, "discord-api", cfg.DiscordAPIBase, "Discord REST base URL")

	fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", cfg.SweepSchedule, "cron schedule for session and interaction sweeps")
	fs.StringVar(&cfg.HealthSchedule, "health-schedule", cfg.HealthSchedule, "cron schedule for content store health refresh")
	fs.StringVar(&cfg.EnrichRetrySchedule, "enrich-retry-schedule", cfg.EnrichRetrySchedule, "cron schedule for enrichment retries")
	fs.DurationVar(&cfg.EnrichRetryAfter, "enrich-retry-after", cfg.EnrichRetryAfter, "minimum file age before enrichment is retried")
	fs.IntVar(&cfg.EnrichRetryBatch, "enrich-retry-batch", cfg.EnrichRetryBatch, "files retried per run")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json, text or auto")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP/HTTP trace endpoint; empty disables export")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown budget")

	return fs.Parse(flagx.FilterArgs(args, flagx.FlagNames(fs)))
}

func listFlag(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		return nil
	}
}

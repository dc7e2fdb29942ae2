package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/memoryweaver/internal/flagx"
	"github.com/dmitrijs2005/memoryweaver/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of Config. Durations use timex.Duration
// so files may carry "90s" or integer nanoseconds.
//
// parseFile seeds a FileConfig from the current Config before decoding, so
// keys missing from the file keep their earlier value.
type FileConfig struct {
	HTTPAddr       string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr       string `json:"grpc_addr" yaml:"grpc_addr"`
	DatabaseDriver string `json:"database_driver" yaml:"database_driver"`
	DatabaseDSN    string `json:"database_dsn" yaml:"database_dsn"`
	SecretKey      string `json:"secret_key" yaml:"secret_key"`

	S3RootUser     string `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password" yaml:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region       string `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	S3PublicURL    string `json:"s3_public_url" yaml:"s3_public_url"`

	IPFSAPIURL          string         `json:"ipfs_api_url" yaml:"ipfs_api_url"`
	IPFSGatewayTemplate string         `json:"ipfs_gateway_template" yaml:"ipfs_gateway_template"`
	IPFSToken           string         `json:"ipfs_token" yaml:"ipfs_token"`
	IPFSOrigin          string         `json:"ipfs_origin" yaml:"ipfs_origin"`
	IPFSHeaderName      string         `json:"ipfs_header_name" yaml:"ipfs_header_name"`
	IPFSStrategies      []string       `json:"ipfs_strategies" yaml:"ipfs_strategies"`
	IPFSRetries         int            `json:"ipfs_retries" yaml:"ipfs_retries"`
	IPFSUploadTimeout   timex.Duration `json:"ipfs_upload_timeout" yaml:"ipfs_upload_timeout"`
	IPFSProbeTimeout    timex.Duration `json:"ipfs_probe_timeout" yaml:"ipfs_probe_timeout"`
	IPFSPin             bool           `json:"ipfs_pin" yaml:"ipfs_pin"`

	AllowedExtensions   []string         `json:"allowed_extensions" yaml:"allowed_extensions"`
	AllowedCategories   []string         `json:"allowed_categories" yaml:"allowed_categories"`
	MaxSizeBytes        map[string]int64 `json:"max_size_bytes" yaml:"max_size_bytes"`
	DefaultMaxSizeBytes int64            `json:"default_max_size_bytes" yaml:"default_max_size_bytes"`
	MaxFilesPerSession  int              `json:"max_files_per_session" yaml:"max_files_per_session"`
	AttachmentMaxBytes  int64            `json:"attachment_max_bytes" yaml:"attachment_max_bytes"`

	SessionTTL     timex.Duration `json:"session_ttl" yaml:"session_ttl"`
	SessionTable   string         `json:"session_table" yaml:"session_table"`
	DynamoEndpoint string         `json:"dynamo_endpoint" yaml:"dynamo_endpoint"`

	InteractionLifetime  timex.Duration `json:"interaction_lifetime" yaml:"interaction_lifetime"`
	InteractionCacheSize int            `json:"interaction_cache_size" yaml:"interaction_cache_size"`

	DiscordAppID     string `json:"discord_app_id" yaml:"discord_app_id"`
	DiscordPublicKey string `json:"discord_public_key" yaml:"discord_public_key"`
	DiscordAPIBase   string `json:"discord_api_base" yaml:"discord_api_base"`

	SweepSchedule       string         `json:"sweep_schedule" yaml:"sweep_schedule"`
	HealthSchedule      string         `json:"health_schedule" yaml:"health_schedule"`
	EnrichRetrySchedule string         `json:"enrich_retry_schedule" yaml:"enrich_retry_schedule"`
	EnrichRetryAfter    timex.Duration `json:"enrich_retry_after" yaml:"enrich_retry_after"`
	EnrichRetryBatch    int            `json:"enrich_retry_batch" yaml:"enrich_retry_batch"`

	LogLevel        string         `json:"log_level" yaml:"log_level"`
	LogFormat       string         `json:"log_format" yaml:"log_format"`
	OTLPEndpoint    string         `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ShutdownTimeout timex.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

func fileConfigFrom(c *Config) *FileConfig {
	return &FileConfig{
		HTTPAddr:             c.HTTPAddr,
		GRPCAddr:             c.GRPCAddr,
		DatabaseDriver:       c.DatabaseDriver,
		DatabaseDSN:          c.DatabaseDSN,
		SecretKey:            c.SecretKey,
		S3RootUser:           c.S3RootUser,
		S3RootPassword:       c.S3RootPassword,
		S3Bucket:             c.S3Bucket,
		S3Region:             c.S3Region,
		S3BaseEndpoint:       c.S3BaseEndpoint,
		S3PublicURL:          c.S3PublicURL,
		IPFSAPIURL:           c.IPFSAPIURL,
		IPFSGatewayTemplate:  c.IPFSGatewayTemplate,
		IPFSToken:            c.IPFSToken,
		IPFSOrigin:           c.IPFSOrigin,
		IPFSHeaderName:       c.IPFSHeaderName,
		IPFSStrategies:       c.IPFSStrategies,
		IPFSRetries:          c.IPFSRetries,
		IPFSUploadTimeout:    timex.Duration{Duration: c.IPFSUploadTimeout},
		IPFSProbeTimeout:     timex.Duration{Duration: c.IPFSProbeTimeout},
		IPFSPin:              c.IPFSPin,
		AllowedExtensions:    c.AllowedExtensions,
		AllowedCategories:    c.AllowedCategories,
		MaxSizeBytes:         c.MaxSizeBytes,
		DefaultMaxSizeBytes:  c.DefaultMaxSizeBytes,
		MaxFilesPerSession:   c.MaxFilesPerSession,
		AttachmentMaxBytes:   c.AttachmentMaxBytes,
		SessionTTL:           timex.Duration{Duration: c.SessionTTL},
		SessionTable:         c.SessionTable,
		DynamoEndpoint:       c.DynamoEndpoint,
		InteractionLifetime:  timex.Duration{Duration: c.InteractionLifetime},
		InteractionCacheSize: c.InteractionCacheSize,
		DiscordAppID:         c.DiscordAppID,
		DiscordPublicKey:     c.DiscordPublicKey,
		DiscordAPIBase:       c.DiscordAPIBase,
		SweepSchedule:        c.SweepSchedule,
		HealthSchedule:       c.HealthSchedule,
		EnrichRetrySchedule:  c.EnrichRetrySchedule,
		EnrichRetryAfter:     timex.Duration{Duration: c.EnrichRetryAfter},
		EnrichRetryBatch:     c.EnrichRetryBatch,
		LogLevel:             c.LogLevel,
		LogFormat:            c.LogFormat,
		OTLPEndpoint:         c.OTLPEndpoint,
		ShutdownTimeout:      timex.Duration{Duration: c.ShutdownTimeout},
	}
}

func (f *FileConfig) apply(c *Config) {
	c.HTTPAddr = f.HTTPAddr
	c.GRPCAddr = f.GRPCAddr
	c.DatabaseDriver = f.DatabaseDriver
	c.DatabaseDSN = f.DatabaseDSN
	c.SecretKey = f.SecretKey

	c.S3RootUser = f.S3RootUser
	c.S3RootPassword = f.S3RootPassword
	c.S3Bucket = f.S3Bucket
	c.S3Region = f.S3Region
	c.S3BaseEndpoint = f.S3BaseEndpoint
	c.S3PublicURL = f.S3PublicURL

	c.IPFSAPIURL = f.IPFSAPIURL
	c.IPFSGatewayTemplate = f.IPFSGatewayTemplate
	c.IPFSToken = f.IPFSToken
	c.IPFSOrigin = f.IPFSOrigin
	c.IPFSHeaderName = f.IPFSHeaderName
	c.IPFSStrategies = f.IPFSStrategies
	c.IPFSRetries = f.IPFSRetries
	c.IPFSUploadTimeout = f.IPFSUploadTimeout.Duration
	c.IPFSProbeTimeout = f.IPFSProbeTimeout.Duration
	c.IPFSPin = f.IPFSPin

	c.AllowedExtensions = f.AllowedExtensions
	c.AllowedCategories = f.AllowedCategories
	c.MaxSizeBytes = f.MaxSizeBytes
	c.DefaultMaxSizeBytes = f.DefaultMaxSizeBytes
	c.MaxFilesPerSession = f.MaxFilesPerSession
	c.AttachmentMaxBytes = f.AttachmentMaxBytes

	c.SessionTTL = f.SessionTTL.Duration
	c.SessionTable = f.SessionTable
	c.DynamoEndpoint = f.DynamoEndpoint

	c.InteractionLifetime = f.InteractionLifetime.Duration
	c.InteractionCacheSize = f.InteractionCacheSize

	c.DiscordAppID = f.DiscordAppID
	c.DiscordPublicKey = f.DiscordPublicKey
	c.DiscordAPIBase = f.DiscordAPIBase

	c.SweepSchedule = f.SweepSchedule
	c.HealthSchedule = f.HealthSchedule
	c.EnrichRetrySchedule = f.EnrichRetrySchedule
	c.EnrichRetryAfter = f.EnrichRetryAfter.Duration
	c.EnrichRetryBatch = f.EnrichRetryBatch

	c.LogLevel = f.LogLevel
	c.LogFormat = f.LogFormat
	c.OTLPEndpoint = f.OTLPEndpoint
	c.ShutdownTimeout = f.ShutdownTimeout.Duration
}

// parseFile overlays values from the file named by -c/-config. YAML is used
// for .yaml and .yml files, JSON otherwise. No flag means nothing to load.
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fc := fileConfigFrom(cfg)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, fc)
	default:
		err = json.Unmarshal(raw, fc)
	}
	if err != nil {
		return err
	}

	fc.apply(cfg)
	return nil
}

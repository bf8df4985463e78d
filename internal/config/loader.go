package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment variables read by the loader.
const EnvPrefix = "AUTHVAULT"

// Load resolves the configuration from environment variables. Every setting
// has the form AUTHVAULT_<SECTION>_<KEY>, e.g. AUTHVAULT_POSTGRES_HOST or
// AUTHVAULT_RETENTION_MAX_BACKUPS. The returned configuration is not yet
// validated; callers must call Validate before using it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Cross-region targets are declared as a comma-separated region list with
	// shared credentials and a bucket prefix; one bucket per region.
	regions := splitList(v.GetString("cross_region.target_regions"))
	if len(regions) > 0 {
		accessKey := v.GetString("cross_region.access_key")
		secretKey := v.GetString("cross_region.secret_key")
		bucketPrefix := v.GetString("cross_region.bucket_prefix")
		endpoint := v.GetString("cross_region.endpoint")

		for _, region := range regions {
			bucket := bucketPrefix
			if bucket != "" {
				bucket = bucket + "-" + region
			}
			cfg.CrossRegion.Targets = append(cfg.CrossRegion.Targets, TargetConfig{
				Region:    region,
				Endpoint:  endpoint,
				Bucket:    bucket,
				AccessKey: accessKey,
				SecretKey: secretKey,
			})
		}
	}

	return &cfg, nil
}

// setDefaults registers every configuration key with its default so that
// AutomaticEnv picks up overrides during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.username", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "")
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.local.base_path", "/var/lib/authvault/backups")
	v.SetDefault("storage.remote.enabled", false)
	v.SetDefault("storage.remote.provider", "s3")
	v.SetDefault("storage.remote.s3.bucket", "")
	v.SetDefault("storage.remote.s3.region", "")
	v.SetDefault("storage.remote.s3.endpoint", "")
	v.SetDefault("storage.remote.s3.access_key", "")
	v.SetDefault("storage.remote.s3.secret_key", "")
	v.SetDefault("storage.remote.gcs.bucket", "")
	v.SetDefault("storage.remote.gcs.credentials_path", "")
	v.SetDefault("storage.remote.gcs.project_id", "")
	v.SetDefault("storage.remote.azure.account_name", "")
	v.SetDefault("storage.remote.azure.account_key", "")
	v.SetDefault("storage.remote.azure.container_name", "")

	v.SetDefault("schedule.cadence", "6h")
	v.SetDefault("schedule.type", "full")

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.max_backups", 10)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.algorithm", "gzip")
	v.SetDefault("compression.level", 6)

	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.algorithm", "aes-256-gcm")
	v.SetDefault("encryption.key_source", "")
	v.SetDefault("encryption.key_env_var", "")
	v.SetDefault("encryption.key_path", "")

	v.SetDefault("cross_region.enabled", false)
	v.SetDefault("cross_region.target_regions", "")
	v.SetDefault("cross_region.endpoint", "")
	v.SetDefault("cross_region.bucket_prefix", "")
	v.SetDefault("cross_region.access_key", "")
	v.SetDefault("cross_region.secret_key", "")
	v.SetDefault("cross_region.replication_delay", "5m")
	v.SetDefault("cross_region.max_retries", 3)

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("notifications.file_path", "")

	v.SetDefault("recovery.plans_dir", "/etc/authvault/plans")
	v.SetDefault("recovery.retry_delay", "5s")
}

// Redacted returns a copy of the configuration with credentials masked,
// suitable for printing.
func (c *Config) Redacted() *Config {
	clone := *c

	clone.Postgres.Password = mask(c.Postgres.Password)
	clone.Redis.Password = mask(c.Redis.Password)

	if c.Storage.Remote.S3 != nil {
		s3 := *c.Storage.Remote.S3
		s3.SecretKey = mask(s3.SecretKey)
		clone.Storage.Remote.S3 = &s3
	}
	if c.Storage.Remote.Azure != nil {
		azure := *c.Storage.Remote.Azure
		azure.AccountKey = mask(azure.AccountKey)
		clone.Storage.Remote.Azure = &azure
	}

	clone.CrossRegion.Targets = make([]TargetConfig, len(c.CrossRegion.Targets))
	for i, target := range c.CrossRegion.Targets {
		target.SecretKey = mask(target.SecretKey)
		clone.CrossRegion.Targets[i] = target
	}

	return &clone
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

package objectstore

import (
	"errors"
	"strings"

	"github.com/docforge-labs/docforge-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketOutputs string
	BucketRunLogs string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("DOCFORGE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("DOCFORGE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("DOCFORGE_MINIO_ACCESS_KEY", "docforge"),
		SecretKey:     env.String("DOCFORGE_MINIO_SECRET_KEY", "docforgeminio"),
		Region:        env.String("DOCFORGE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketOutputs: env.String("DOCFORGE_MINIO_BUCKET_OUTPUTS", "outputs"),
		BucketRunLogs: env.String("DOCFORGE_MINIO_BUCKET_RUNLOGS", "runlogs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.BucketOutputs) == "" {
		return errors.New("outputs bucket is required")
	}
	if strings.TrimSpace(c.BucketRunLogs) == "" {
		return errors.New("run logs bucket is required")
	}
	return nil
}

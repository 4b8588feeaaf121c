// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compression modes aceitos em db.compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// ServerConfig representa a configuração completa do nkv-server.
type ServerConfig struct {
	Server     ServerListen     `yaml:"server"`
	DB         DBConfig         `yaml:"db"`
	Stats      StatsConfig      `yaml:"stats"`
	Compaction CompactionConfig `yaml:"compaction"`
	Export     ExportConfig     `yaml:"export"`
	Logging    LoggingInfo      `yaml:"logging"`
}

// ServerListen contém o endereço de escuta do protocolo binário.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// DBConfig define os parâmetros do database embutido.
type DBConfig struct {
	// Dir é o diretório do database (arquivos de log + índice).
	Dir string `yaml:"dir"`

	// MaxChunkSize é o tamanho máximo de chunk imposto pelo storage.
	// Valores acima são quebrados pelo splitter. Aceita sufixos kb/mb/gb.
	MaxChunkSize string `yaml:"max_chunk_size"` // default: "1mb"

	// Compression seleciona o codec por chunk: none | zstd.
	Compression string `yaml:"compression"` // default: "zstd"

	// FileSizeMax rotaciona o arquivo de append quando excedido.
	FileSizeMax string `yaml:"file_size_max"` // default: "256mb"

	// SyncWrites força fsync a cada entry persistida pelo engine.
	SyncWrites bool `yaml:"sync_writes"` // default: false

	// DiskUsedPercentMax é o limiar de uso de disco a partir do qual
	// FileSystemStatus passa a rejeitar escritas. Ausente ou 0 assume o
	// default 95.0: por esta configuração o check não é desabilitável.
	DiskUsedPercentMax float64 `yaml:"disk_used_percent_max"` // default: 95.0

	// MaxChunkSizeRaw e FileSizeMaxRaw são preenchidos por validate();
	// não vêm do YAML.
	MaxChunkSizeRaw int64 `yaml:"-"`
	FileSizeMaxRaw  int64 `yaml:"-"`
}

// StatsConfig configura o endpoint HTTP de métricas.
type StatsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9849"
}

// CompactionConfig configura a compactação agendada do engine.
type CompactionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron spec (default: "0 3 * * *")
}

// ExportConfig configura o exporter de snapshots.
type ExportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`        // destino local dos archives
	Schedule  string `yaml:"schedule"`   // cron spec (default: "30 4 * * *")
	KeepLocal bool   `yaml:"keep_local"` // mantém o archive local após upload

	S3 S3Config `yaml:"s3"`
}

// S3Config configura o upload offsite dos archives exportados.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // opcional: S3-compatível (MinIO etc.)
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.DB.Dir == "" {
		return fmt.Errorf("db.dir is required")
	}

	if c.DB.MaxChunkSize == "" {
		c.DB.MaxChunkSize = "1mb"
	}
	parsed, err := ParseByteSize(c.DB.MaxChunkSize)
	if err != nil {
		return fmt.Errorf("db.max_chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("db.max_chunk_size must be > 0, got %s", c.DB.MaxChunkSize)
	}
	c.DB.MaxChunkSizeRaw = parsed

	if c.DB.Compression == "" {
		c.DB.Compression = CompressionZstd
	}
	c.DB.Compression = strings.ToLower(strings.TrimSpace(c.DB.Compression))
	if c.DB.Compression != CompressionNone && c.DB.Compression != CompressionZstd {
		return fmt.Errorf("db.compression must be none or zstd, got %q", c.DB.Compression)
	}

	if c.DB.FileSizeMax == "" {
		c.DB.FileSizeMax = "256mb"
	}
	parsed, err = ParseByteSize(c.DB.FileSizeMax)
	if err != nil {
		return fmt.Errorf("db.file_size_max: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("db.file_size_max must be > 0, got %s", c.DB.FileSizeMax)
	}
	c.DB.FileSizeMaxRaw = parsed

	if c.DB.DiskUsedPercentMax == 0 {
		c.DB.DiskUsedPercentMax = 95.0
	}
	if c.DB.DiskUsedPercentMax < 0 || c.DB.DiskUsedPercentMax > 100 {
		return fmt.Errorf("db.disk_used_percent_max must be between 0 and 100, got %.1f",
			c.DB.DiskUsedPercentMax)
	}

	if c.Stats.Enabled && c.Stats.Listen == "" {
		c.Stats.Listen = "127.0.0.1:9849"
	}

	if c.Compaction.Enabled && c.Compaction.Schedule == "" {
		c.Compaction.Schedule = "0 3 * * *"
	}

	if c.Export.Enabled {
		if c.Export.Dir == "" {
			return fmt.Errorf("export.dir is required when export is enabled")
		}
		if c.Export.Schedule == "" {
			c.Export.Schedule = "30 4 * * *"
		}
		if c.Export.S3.Enabled {
			if c.Export.S3.Bucket == "" {
				return fmt.Errorf("export.s3.bucket is required when s3 is enabled")
			}
			if c.Export.S3.Region == "" && c.Export.S3.Endpoint == "" {
				return fmt.Errorf("export.s3: region or endpoint is required")
			}
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

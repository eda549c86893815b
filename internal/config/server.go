// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do ftx-server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do ftx-server.
type ServerConfig struct {
	Server      ListenInfo      `yaml:"server"`
	Storage     StorageInfo     `yaml:"storage"`
	Upload      UploadInfo      `yaml:"upload"`
	Extract     ExtractInfo     `yaml:"extract"`
	Maintenance MaintenanceInfo `yaml:"maintenance"`
	Logging     LoggingInfo     `yaml:"logging"`
	Events      EventsInfo      `yaml:"events"`
}

// ListenInfo contém os parâmetros do socket de escuta e dos reactors.
type ListenInfo struct {
	ListenPort   int           `yaml:"listen_port"`   // default: 9113
	Reactors     int           `yaml:"reactors"`      // default: 2
	Backlog      int           `yaml:"backlog"`       // default: 12
	SocketBuffer string        `yaml:"socket_buffer"` // SO_RCVBUF/SO_SNDBUF, default: "4mb"
	RecvTimeout  time.Duration `yaml:"recv_timeout"`  // SO_RCVTIMEO, default: 300s

	// SocketBufferRaw é preenchido por validate(); não vem do YAML.
	SocketBufferRaw int64 `yaml:"-"`
}

// StorageInfo contém o whitelist de prefixos absolutos e os caminhos de jogos.
type StorageInfo struct {
	Whitelist    []string `yaml:"whitelist"`     // default: /data/, /mnt/usb0/, /mnt/usb1/, /mnt/ext0/
	GamesPath    string   `yaml:"games_path"`    // default: /mnt/usb0/games
	FallbackPath string   `yaml:"fallback_path"` // default: /data/games
}

// UploadInfo configura o pool de escrita em disco do protocolo V2.
type UploadInfo struct {
	Workers        int    `yaml:"workers"`          // default: 4
	QueueDepth     int    `yaml:"queue_depth"`      // default: 4
	MaxPackSize    string `yaml:"max_pack_size"`    // default: "128mb"
	WriteRateLimit string `yaml:"write_rate_limit"` // bytes/s, "0" desabilita

	// Preenchidos por validate(); não vêm do YAML.
	MaxPackSizeRaw    int64 `yaml:"-"`
	WriteRateLimitRaw int64 `yaml:"-"`
}

// ExtractInfo configura o extrator de archives e sua fila.
type ExtractInfo struct {
	Preset        string `yaml:"preset"`         // safe|fast|turbo (default: fast)
	QueueCapacity int    `yaml:"queue_capacity"` // default: 16
}

// MaintenanceInfo configura o sweeper periódico de limpeza.
type MaintenanceInfo struct {
	Schedule      string        `yaml:"schedule"`        // cron spec (default: "17 */6 * * *")
	PartialMaxAge time.Duration `yaml:"partial_max_age"` // default: 24h
}

// LoggingInfo contém nível, formato e arquivo de log.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // default: /data/ftx/logs/server.log
}

// EventsInfo configura o journal de eventos operacionais.
type EventsInfo struct {
	File     string `yaml:"file"`      // default: /data/ftx/events.jsonl
	MaxLines int    `yaml:"max_lines"` // default: 10000
}

// Default retorna a configuração embutida usada quando nenhum arquivo existe.
// O payload precisa subir standalone no console, sem filesystem provisionado.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	if err := cfg.validate(); err != nil {
		// validate() sobre o zero value só aplica defaults; não há caminho de erro.
		panic(fmt.Sprintf("config: default config invalid: %v", err))
	}
	return cfg
}

// LoadServerConfig lê e valida o arquivo YAML de configuração.
// Um path vazio ou inexistente resulta na configuração default.
func LoadServerConfig(path string) (*ServerConfig, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
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
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 9113
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port out of range: %d", c.Server.ListenPort)
	}
	if c.Server.Reactors <= 0 {
		c.Server.Reactors = 2
	}
	if c.Server.Backlog <= 0 {
		c.Server.Backlog = 12
	}
	if c.Server.SocketBuffer == "" {
		c.Server.SocketBuffer = "4mb"
	}
	parsed, err := ParseByteSize(c.Server.SocketBuffer)
	if err != nil {
		return fmt.Errorf("server.socket_buffer: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("server.socket_buffer must be > 0, got %s", c.Server.SocketBuffer)
	}
	c.Server.SocketBufferRaw = parsed
	if c.Server.RecvTimeout <= 0 {
		c.Server.RecvTimeout = 300 * time.Second
	}

	if len(c.Storage.Whitelist) == 0 {
		c.Storage.Whitelist = []string{"/data/", "/mnt/usb0/", "/mnt/usb1/", "/mnt/ext0/"}
	}
	for i, prefix := range c.Storage.Whitelist {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("storage.whitelist[%d] must be absolute, got %q", i, prefix)
		}
		// Prefixos terminam em "/" para que o match seja por diretório inteiro
		// e "/dataX" não passe pelo whitelist de "/data".
		if !strings.HasSuffix(prefix, "/") {
			c.Storage.Whitelist[i] = prefix + "/"
		}
	}
	if c.Storage.GamesPath == "" {
		c.Storage.GamesPath = "/mnt/usb0/games"
	}
	if c.Storage.FallbackPath == "" {
		c.Storage.FallbackPath = "/data/games"
	}

	if c.Upload.Workers <= 0 {
		c.Upload.Workers = 4
	}
	if c.Upload.QueueDepth <= 0 {
		c.Upload.QueueDepth = 4
	}
	if c.Upload.MaxPackSize == "" {
		c.Upload.MaxPackSize = "128mb"
	}
	packParsed, err := ParseByteSize(c.Upload.MaxPackSize)
	if err != nil {
		return fmt.Errorf("upload.max_pack_size: %w", err)
	}
	if packParsed <= 0 {
		return fmt.Errorf("upload.max_pack_size must be > 0, got %s", c.Upload.MaxPackSize)
	}
	c.Upload.MaxPackSizeRaw = packParsed
	if c.Upload.WriteRateLimit == "" {
		c.Upload.WriteRateLimit = "0"
	}
	rateParsed, err := ParseByteSize(c.Upload.WriteRateLimit)
	if err != nil {
		return fmt.Errorf("upload.write_rate_limit: %w", err)
	}
	if rateParsed < 0 {
		return fmt.Errorf("upload.write_rate_limit must be >= 0, got %s", c.Upload.WriteRateLimit)
	}
	c.Upload.WriteRateLimitRaw = rateParsed

	if c.Extract.Preset == "" {
		c.Extract.Preset = "fast"
	}
	c.Extract.Preset = strings.ToLower(strings.TrimSpace(c.Extract.Preset))
	if c.Extract.Preset != "safe" && c.Extract.Preset != "fast" && c.Extract.Preset != "turbo" {
		return fmt.Errorf("extract.preset must be safe, fast or turbo, got %q", c.Extract.Preset)
	}
	if c.Extract.QueueCapacity <= 0 {
		c.Extract.QueueCapacity = 16
	}

	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "17 */6 * * *"
	}
	if c.Maintenance.PartialMaxAge <= 0 {
		c.Maintenance.PartialMaxAge = 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.File == "" {
		c.Logging.File = "/data/ftx/logs/server.log"
	}

	if c.Events.File == "" {
		c.Events.File = "/data/ftx/events.jsonl"
	}
	if c.Events.MaxLines <= 0 {
		c.Events.MaxLines = 10000
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

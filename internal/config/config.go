// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport selects how the worker reads the monitored mailbox.
const (
	TransportIMAP  = "imap"
	TransportGraph = "graph"
)

// LLM provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// imapPreset holds the connection defaults for a known mail provider.
type imapPreset struct {
	Host string
	Port int
	SMTP string
}

// imapPresets maps provider names to their IMAP/SMTP endpoints so that
// operators only have to name the provider in config.
var imapPresets = map[string]imapPreset{
	"outlook": {Host: "outlook.office365.com", Port: 993, SMTP: "smtp.office365.com"},
	"gmail":   {Host: "imap.gmail.com", Port: 993, SMTP: "smtp.gmail.com"},
	"rediff":  {Host: "imap.rediffmailpro.com", Port: 993, SMTP: "smtp.rediffmail.com"},
	"yahoo":   {Host: "imap.mail.yahoo.com", Port: 993, SMTP: "smtp.mail.yahoo.com"},
}

// LLMConfig selects and configures the classification backend.
type LLMConfig struct {
	Provider      string // "ollama" or "openai"
	Model         string
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string // optional, for OpenAI-compatible endpoints
	Timeout       time.Duration
}

// MailboxConfig configures the monitored mailbox and the worker schedule.
type MailboxConfig struct {
	Enabled   bool
	Transport string // "imap" or "graph"

	// IMAP transport
	Provider string // preset name, or "custom" with explicit host/port
	IMAPHost string
	IMAPPort int
	Email    string
	Password string
	Folder   string
	SMTPHost string
	SMTPPort int

	// Graph transport
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphUserEmail    string
	GraphFolder       string

	CheckInterval    time.Duration
	SendConfirmation bool

	// AllowDegraded lets Start proceed with a warning when the initial
	// connectivity check fails instead of aborting the transition.
	AllowDegraded bool
}

// Config holds all configuration for the opt-out service.
type Config struct {
	LLM     LLMConfig
	Mailbox MailboxConfig

	BrevoAPIKey  string
	BrevoBaseURL string

	DatabaseURL string
	RedisURL    string
	Port        int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	LLM struct {
		Provider      string `yaml:"provider"`
		Model         string `yaml:"model"`
		OllamaBaseURL string `yaml:"ollama_base_url"`
		OpenAIAPIKey  string `yaml:"openai_api_key"`
		OpenAIBaseURL string `yaml:"openai_base_url"`
		Timeout       string `yaml:"timeout"`
	} `yaml:"llm"`
	Brevo struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"brevo"`
	Mailbox struct {
		Enabled          bool   `yaml:"enabled"`
		Transport        string `yaml:"transport"`
		Provider         string `yaml:"provider"`
		Host             string `yaml:"host"`
		Port             int    `yaml:"port"`
		Email            string `yaml:"email"`
		Password         string `yaml:"password"`
		Folder           string `yaml:"folder"`
		SMTPHost         string `yaml:"smtp_host"`
		SMTPPort         int    `yaml:"smtp_port"`
		GraphTenantID    string `yaml:"graph_tenant_id"`
		GraphClientID    string `yaml:"graph_client_id"`
		GraphSecret      string `yaml:"graph_client_secret"`
		GraphUserEmail   string `yaml:"graph_user_email"`
		GraphFolder      string `yaml:"graph_folder"`
		CheckInterval    string `yaml:"check_interval"`
		SendConfirmation bool   `yaml:"send_confirmation"`
		AllowDegraded    bool   `yaml:"allow_degraded_start"`
	} `yaml:"mailbox"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	return build(raw)
}

// build assembles and validates a Config from the raw YAML form.
func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		LLM: LLMConfig{
			Provider:      firstNonEmpty(raw.LLM.Provider, ProviderOllama),
			Model:         firstNonEmpty(raw.LLM.Model, "llama3"),
			OllamaBaseURL: firstNonEmpty(raw.LLM.OllamaBaseURL, "http://localhost:11434"),
			OpenAIAPIKey:  firstNonEmpty(raw.LLM.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY")),
			OpenAIBaseURL: raw.LLM.OpenAIBaseURL,
			Timeout:       parseDurationOr(raw.LLM.Timeout, 60*time.Second),
		},
		BrevoAPIKey:  firstNonEmpty(raw.Brevo.APIKey, os.Getenv("BREVO_API_KEY")),
		BrevoBaseURL: firstNonEmpty(raw.Brevo.BaseURL, "https://api.brevo.com/v3"),
		DatabaseURL:  envOrDefault("DATABASE_URL", "postgres://localhost:5432/optout"),
		RedisURL:     envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		Port:         envOrDefaultInt("PORT", 8080),
	}

	mb := MailboxConfig{
		Enabled:           raw.Mailbox.Enabled,
		Transport:         firstNonEmpty(raw.Mailbox.Transport, TransportIMAP),
		Provider:          firstNonEmpty(raw.Mailbox.Provider, "outlook"),
		IMAPHost:          raw.Mailbox.Host,
		IMAPPort:          raw.Mailbox.Port,
		Email:             raw.Mailbox.Email,
		Password:          raw.Mailbox.Password,
		Folder:            firstNonEmpty(raw.Mailbox.Folder, "INBOX"),
		SMTPHost:          raw.Mailbox.SMTPHost,
		SMTPPort:          raw.Mailbox.SMTPPort,
		GraphTenantID:     raw.Mailbox.GraphTenantID,
		GraphClientID:     raw.Mailbox.GraphClientID,
		GraphClientSecret: raw.Mailbox.GraphSecret,
		GraphUserEmail:    raw.Mailbox.GraphUserEmail,
		GraphFolder:       firstNonEmpty(raw.Mailbox.GraphFolder, "Inbox"),
		CheckInterval:     parseDurationOr(raw.Mailbox.CheckInterval, time.Hour),
		SendConfirmation:  raw.Mailbox.SendConfirmation,
		AllowDegraded:     raw.Mailbox.AllowDegraded,
	}

	// Fill IMAP host/port/SMTP from the provider preset when not set
	// explicitly.
	if preset, ok := imapPresets[mb.Provider]; ok {
		if mb.IMAPHost == "" {
			mb.IMAPHost = preset.Host
		}
		if mb.IMAPPort == 0 {
			mb.IMAPPort = preset.Port
		}
		if mb.SMTPHost == "" {
			mb.SMTPHost = preset.SMTP
		}
	}
	if mb.IMAPPort == 0 {
		mb.IMAPPort = 993
	}
	if mb.SMTPPort == 0 {
		mb.SMTPPort = 587
	}

	if mb.Enabled {
		switch mb.Transport {
		case TransportIMAP:
			if mb.IMAPHost == "" || mb.Email == "" || mb.Password == "" {
				return nil, fmt.Errorf("mailbox transport %q requires host, email, and password", mb.Transport)
			}
		case TransportGraph:
			if mb.GraphTenantID == "" || mb.GraphClientID == "" || mb.GraphClientSecret == "" || mb.GraphUserEmail == "" {
				return nil, fmt.Errorf("mailbox transport %q requires graph tenant, client credentials, and user email", mb.Transport)
			}
		default:
			return nil, fmt.Errorf("unknown mailbox transport %q", mb.Transport)
		}
	}

	switch cfg.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM.Provider)
	}

	cfg.Mailbox = mb
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Accept bare seconds for operators migrating from interval-in-seconds
	// style settings.
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Package config loads relay settings: built-in defaults, then an optional
// TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"streamrelay/internal/audio"
	"streamrelay/internal/demux"
	"streamrelay/internal/extract"
	"streamrelay/internal/sse"
)

// Endpoint profile names.
const (
	ProfileChat      = "chat"
	ProfileAnalyze   = "analyze"
	ProfileVoice     = "voice"
	ProfileComplete  = "complete"
	ProfileTTS       = "tts"
	ProfileTTSChunks = "tts_chunks"
)

type Config struct {
	Server    ServerConfig        `toml:"server"`
	Upstream  UpstreamConfig      `toml:"upstream"`
	Providers map[string]Provider `toml:"providers"`
	Profiles  map[string]Profile  `toml:"profiles"`
}

type ServerConfig struct {
	Port            string        `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type UpstreamConfig struct {
	Timeout     time.Duration `toml:"timeout"`
	Fingerprint bool          `toml:"fingerprint"`
}

// Provider is one upstream API.
type Provider struct {
	URL       string            `toml:"url"`
	APIKey    string            `toml:"api_key"`
	KeyHeader string            `toml:"key_header"`
	Model     string            `toml:"model"`
	Voice     string            `toml:"voice"`
	Headers   map[string]string `toml:"headers"`
}

type SuppressRule struct {
	Pattern string `toml:"pattern"`
	Mode    string `toml:"mode"`
}

// Profile binds an endpoint to a provider and to the stream grammar and
// extraction rules used to relay it.
type Profile struct {
	Provider   string             `toml:"provider"`
	Framing    string             `toml:"framing"`
	DataPrefix string             `toml:"data_prefix"`
	Terminator string             `toml:"terminator"`
	Extractor  string             `toml:"extractor"`
	Paths      extract.PathConfig `toml:"paths"`
	Marker     string             `toml:"marker"`
	Suppress   []SuppressRule     `toml:"suppress"`
	Audio      audio.Format       `toml:"audio"`
}

func Default() Config {
	return Config{
		Server:   ServerConfig{Port: "5001", ShutdownTimeout: 10 * time.Second},
		Upstream: UpstreamConfig{Timeout: 60 * time.Second, Fingerprint: false},
		Providers: map[string]Provider{
			"openrouter": {
				URL:     "https://openrouter.ai/api/v1/chat/completions",
				Model:   "google/gemini-2.5-flash",
				Headers: map[string]string{"X-Title": "streamrelay"},
			},
			"gemini": {
				URL:       "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash-preview-tts:streamGenerateContent?alt=sse",
				KeyHeader: "x-goog-api-key",
				Voice:     "Kore",
			},
			"minimax": {
				URL:   "https://api.minimax.chat/v1/t2a_v2",
				Model: "speech-2.6-turbo",
				Voice: "English_Trustworthy_Man",
			},
		},
		Profiles: map[string]Profile{
			ProfileChat:     {Provider: "openrouter", Extractor: extract.KindOpenAI},
			ProfileComplete: {Provider: "openrouter", Extractor: extract.KindOpenAI},
			ProfileAnalyze: {
				Provider:  "openrouter",
				Extractor: extract.KindOpenAI,
				Suppress:  []SuppressRule{{Pattern: "```", Mode: "drop"}},
			},
			ProfileVoice:     {Provider: "openrouter", Extractor: extract.KindOpenAI, Marker: demux.DefaultMarker},
			ProfileTTS:       {Provider: "gemini", Extractor: extract.KindGemini, Audio: audio.DefaultFormat},
			ProfileTTSChunks: {Provider: "minimax", Extractor: extract.KindMiniMax},
		},
	}
}

// Load reads the TOML file named by STREAMRELAY_CONFIG, if set, on top of
// the defaults and then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("STREAMRELAY_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	defaults := Default()
	var file Config
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if file.Server.Port != "" {
		c.Server.Port = file.Server.Port
	}
	if file.Server.ShutdownTimeout > 0 {
		c.Server.ShutdownTimeout = file.Server.ShutdownTimeout
	}
	if file.Upstream.Timeout > 0 {
		c.Upstream.Timeout = file.Upstream.Timeout
	}
	c.Upstream.Fingerprint = c.Upstream.Fingerprint || file.Upstream.Fingerprint
	for name, p := range file.Providers {
		c.Providers[name] = mergeProvider(defaults.Providers[name], p)
	}
	for name, p := range file.Profiles {
		c.Profiles[name] = mergeProfile(defaults.Profiles[name], p)
	}
	Logger.Info("config file loaded", "path", path)
	return nil
}

func mergeProvider(base, over Provider) Provider {
	if over.URL != "" {
		base.URL = over.URL
	}
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.KeyHeader != "" {
		base.KeyHeader = over.KeyHeader
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.Voice != "" {
		base.Voice = over.Voice
	}
	if len(over.Headers) > 0 {
		merged := make(map[string]string, len(base.Headers)+len(over.Headers))
		for k, v := range base.Headers {
			merged[k] = v
		}
		for k, v := range over.Headers {
			merged[k] = v
		}
		base.Headers = merged
	}
	return base
}

func mergeProfile(base, over Profile) Profile {
	if over.Provider != "" {
		base.Provider = over.Provider
	}
	if over.Framing != "" {
		base.Framing = over.Framing
	}
	if over.DataPrefix != "" {
		base.DataPrefix = over.DataPrefix
	}
	if over.Terminator != "" {
		base.Terminator = over.Terminator
	}
	if over.Extractor != "" {
		base.Extractor = over.Extractor
	}
	if over.Paths != (extract.PathConfig{}) {
		base.Paths = over.Paths
	}
	if over.Marker != "" {
		base.Marker = over.Marker
	}
	if over.Suppress != nil {
		base.Suppress = over.Suppress
	}
	if over.Audio != (audio.Format{}) {
		base.Audio = over.Audio
	}
	return base
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMRELAY_UPSTREAM_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Upstream.Timeout = d
		} else {
			Logger.Warn("ignoring invalid STREAMRELAY_UPSTREAM_TIMEOUT", "value", v, "error", err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMRELAY_UPSTREAM_FINGERPRINT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Upstream.Fingerprint = b
		}
	}
	for name, p := range c.Providers {
		prefix := "STREAMRELAY_" + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "URL"); v != "" {
			p.URL = v
		}
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			p.Model = v
		}
		c.Providers[name] = p
	}
	// Names used by existing deployments.
	c.providerKey("openrouter", "OPENROUTER_API_KEY")
	c.providerKey("gemini", "GEMINI_API_KEY")
	c.providerKey("minimax", "MINIMAX_API_KEY")
	if group := strings.TrimSpace(os.Getenv("MINIMAX_GROUP_ID")); group != "" {
		if p, ok := c.Providers["minimax"]; ok {
			p.URL = withQuery(p.URL, "GroupId", group)
			c.Providers["minimax"] = p
		}
	}
}

func (c *Config) providerKey(name, env string) {
	p, ok := c.Providers[name]
	if !ok || p.APIKey != "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		p.APIKey = v
		c.Providers[name] = p
	}
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks that every profile names a known provider and that its
// grammar, suppress rules and extractor are well formed.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("invalid server.port: empty")
	}
	for name, p := range c.Profiles {
		if _, ok := c.Providers[p.Provider]; !ok {
			return fmt.Errorf("profile %s: unknown provider %q", name, p.Provider)
		}
		if _, err := p.Grammar(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		if _, err := p.SuppressRules(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		if _, err := p.NewExtractor(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return nil
}

// Grammar returns the framing grammar of the profile.
func (p Profile) Grammar() (sse.Grammar, error) {
	g := sse.DefaultGrammar()
	framing, err := sse.ParseFraming(p.Framing)
	if err != nil {
		return g, err
	}
	g.Framing = framing
	if p.DataPrefix != "" {
		g.DataPrefix = p.DataPrefix
	}
	if p.Terminator != "" {
		g.Terminator = p.Terminator
	}
	return g, nil
}

func (p Profile) SuppressRules() ([]sse.SuppressRule, error) {
	rules := make([]sse.SuppressRule, 0, len(p.Suppress))
	for _, r := range p.Suppress {
		mode, err := sse.ParseSuppressMode(r.Mode)
		if err != nil {
			return nil, err
		}
		rules = append(rules, sse.SuppressRule{Pattern: r.Pattern, Mode: mode})
	}
	return rules, nil
}

// NewClassifier builds the classifier for one stream of this profile.
func (p Profile) NewClassifier() (*sse.Classifier, error) {
	g, err := p.Grammar()
	if err != nil {
		return nil, err
	}
	rules, err := p.SuppressRules()
	if err != nil {
		return nil, err
	}
	return sse.NewClassifier(g, rules...), nil
}

func (p Profile) NewExtractor() (extract.Extractor, error) {
	return extract.New(p.Extractor, p.Paths)
}

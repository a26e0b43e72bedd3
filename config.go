package gatekeeper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================
// Configuration
// ============================================================

// Config is the declarative form of a gateway's authorization setup:
// engine tuning plus the full route rule set. Loadable from YAML, JSON,
// the line DSL and a compact binary form.
type Config struct {
	Version uint16        `json:"version" yaml:"version"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Routes  []RouteConfig `json:"routes" yaml:"routes"`
}

// RouteConfig is the serialized form of one RoutePermissionRule.
type RouteConfig struct {
	Pattern               string   `json:"pattern" yaml:"pattern"`
	Methods               []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	RequireAuthentication bool     `json:"require_authentication" yaml:"require_authentication"`
	AllowAnonymous        bool     `json:"allow_anonymous" yaml:"allow_anonymous"`
	Permissions           []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Roles                 []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// Rule converts the config form to a registry rule.
func (rc RouteConfig) Rule() RoutePermissionRule {
	return RoutePermissionRule{
		RoutePattern:          rc.Pattern,
		HTTPMethods:           append([]string(nil), rc.Methods...),
		RequireAuthentication: rc.RequireAuthentication,
		AllowAnonymous:        rc.AllowAnonymous,
		RequiredPermissions:   append([]string(nil), rc.Permissions...),
		RequiredRoles:         append([]string(nil), rc.Roles...),
	}
}

// RouteConfigFromRule converts a registry rule back to config form.
func RouteConfigFromRule(rule RoutePermissionRule) RouteConfig {
	return RouteConfig{
		Pattern:               rule.RoutePattern,
		Methods:               append([]string(nil), rule.HTTPMethods...),
		RequireAuthentication: rule.RequireAuthentication,
		AllowAnonymous:        rule.AllowAnonymous,
		Permissions:           append([]string(nil), rule.RequiredPermissions...),
		Roles:                 append([]string(nil), rule.RequiredRoles...),
	}
}

// EngineConfig tunes caches and evaluation. Durations are milliseconds;
// zero keeps the engine default.
type EngineConfig struct {
	PermissionCacheTTL   int64 `json:"permission_cache_ttl_ms,omitempty" yaml:"permission_cache_ttl_ms,omitempty"`
	SourceTimeout        int64 `json:"source_timeout_ms,omitempty" yaml:"source_timeout_ms,omitempty"`
	DecisionCacheTTL     int64 `json:"decision_cache_ttl_ms,omitempty" yaml:"decision_cache_ttl_ms,omitempty"`
	RequireAll           bool  `json:"require_all,omitempty" yaml:"require_all,omitempty"`
	StrictRules          bool  `json:"strict_rules,omitempty" yaml:"strict_rules,omitempty"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBufferItems int64 `json:"ristretto_buffer_items,omitempty" yaml:"ristretto_buffer_items,omitempty"`
}

// ConfigLoader parses configs from their serialized forms.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return &cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return &cfg, nil
}

func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return NewBinaryDecoder(data).Decode()
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every route rule the way the registry would, in strict
// mode when StrictRules is set.
func (c *Config) Validate() error {
	opts := []RegistryOption{}
	if c.Engine.StrictRules {
		opts = append(opts, WithStrictValidation())
	}
	probe := NewRegistry(opts...)
	for i, rc := range c.Routes {
		if _, err := probe.compile(rc.Rule()); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	return nil
}

// ApplyConfig pushes the config into a live engine: the route set is
// replaced atomically and cache tuning takes effect for future entries.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rules := make([]RoutePermissionRule, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		rules = append(rules, rc.Rule())
	}
	if err := e.registry.Replace(rules); err != nil {
		return fmt.Errorf("apply routes: %w", err)
	}
	if cfg.Engine.PermissionCacheTTL > 0 {
		e.resolver.SetTTL(time.Duration(cfg.Engine.PermissionCacheTTL) * time.Millisecond)
	}
	if cfg.Engine.SourceTimeout > 0 {
		e.resolver.SetSourceTimeout(time.Duration(cfg.Engine.SourceTimeout) * time.Millisecond)
	}
	if cfg.Engine.RequireAll {
		e.mode = RequireAll
	}
	if cfg.Engine.RistrettoNumCounters > 0 {
		if err := e.ConfigureRistrettoDecisionCache(
			cfg.Engine.RistrettoNumCounters,
			cfg.Engine.RistrettoMaxCost,
			cfg.Engine.RistrettoBufferItems,
		); err != nil {
			return fmt.Errorf("configure decision cache: %w", err)
		}
	}
	e.logger.Info("configuration applied", "routes", len(cfg.Routes), "version", int(cfg.Version))
	return nil
}

// Snapshot exports the engine's current route set as a config.
func (e *Engine) Snapshot() *Config {
	rules := e.registry.ListRules()
	cfg := &Config{Version: 1, Routes: make([]RouteConfig, 0, len(rules))}
	for _, rule := range rules {
		cfg.Routes = append(cfg.Routes, RouteConfigFromRule(rule))
	}
	return cfg
}

// ============================================================
// Binary codec
// ============================================================

// Compact tagged binary form: magic(2) + format version(2) +
// config version(2) header, then tag(1)+length(4) sections.
const (
	binaryMagic   = 0x474B // "GK"
	binaryVersion = 1

	sectionRoutes = 0x01
	sectionEngine = 0x02
)

// BinaryEncoder serializes configs to the binary form.
type BinaryEncoder struct{}

func NewBinaryEncoder() *BinaryEncoder { return &BinaryEncoder{} }

func (e *BinaryEncoder) Encode(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, sectionRoutes, func(b *bytes.Buffer) { encodeRoutes(b, cfg.Routes) })
	writeSection(buf, sectionEngine, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })
	return buf.Bytes(), nil
}

// EncodeBinaryConfig is a convenience wrapper around BinaryEncoder.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	return NewBinaryEncoder().Encode(cfg)
}

// BinaryDecoder deserializes the binary form.
type BinaryDecoder struct {
	r *bytes.Reader
}

func NewBinaryDecoder(data []byte) *BinaryDecoder {
	return &BinaryDecoder{r: bytes.NewReader(data)}
}

func (d *BinaryDecoder) Decode() (*Config, error) {
	var magic, ver, cfgVer uint16
	if err := binary.Read(d.r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	binary.Read(d.r, binary.LittleEndian, &ver)
	binary.Read(d.r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported format version: %d", ver)
	}
	cfg := &Config{Version: cfgVer}

	for {
		var tag uint8
		if err := binary.Read(d.r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		var size uint32
		if err := binary.Read(d.r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("read section length: %w", err)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(d.r, data); err != nil {
			return nil, fmt.Errorf("read section body: %w", err)
		}

		switch tag {
		case sectionRoutes:
			cfg.Routes = decodeRoutes(data)
		case sectionEngine:
			cfg.Engine = decodeEngineConfig(data)
		}
	}
	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func writeStrings(buf *bytes.Buffer, items []string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(items)))
	for _, s := range items {
		writeString(buf, s)
	}
}

func readStrings(r *bytes.Reader) []string {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	if count == 0 {
		return nil
	}
	out := make([]string, count)
	for i := range out {
		out[i] = readString(r)
	}
	return out
}

func encodeRoutes(buf *bytes.Buffer, routes []RouteConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(routes)))
	for _, rc := range routes {
		writeString(buf, rc.Pattern)
		writeStrings(buf, rc.Methods)
		var flags uint8
		if rc.RequireAuthentication {
			flags |= 0x01
		}
		if rc.AllowAnonymous {
			flags |= 0x02
		}
		buf.WriteByte(flags)
		writeStrings(buf, rc.Permissions)
		writeStrings(buf, rc.Roles)
	}
}

func decodeRoutes(data []byte) []RouteConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	routes := make([]RouteConfig, count)
	for i := range routes {
		routes[i].Pattern = readString(r)
		routes[i].Methods = readStrings(r)
		flags, _ := r.ReadByte()
		routes[i].RequireAuthentication = flags&0x01 != 0
		routes[i].AllowAnonymous = flags&0x02 != 0
		routes[i].Permissions = readStrings(r)
		routes[i].Roles = readStrings(r)
	}
	return routes
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.PermissionCacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.SourceTimeout)
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	var flags uint8
	if cfg.RequireAll {
		flags |= 0x01
	}
	if cfg.StrictRules {
		flags |= 0x02
	}
	buf.WriteByte(flags)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounters)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBufferItems)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	var cfg EngineConfig
	binary.Read(r, binary.LittleEndian, &cfg.PermissionCacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.SourceTimeout)
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	flags, _ := r.ReadByte()
	cfg.RequireAll = flags&0x01 != 0
	cfg.StrictRules = flags&0x02 != 0
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounters)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBufferItems)
	return cfg
}

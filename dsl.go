package gatekeeper

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================
// Rule DSL
// ============================================================
//
// Compact text form for route rules:
//
//	# comments and blank lines are ignored
//	version 1
//	engine permission_cache_ttl 300000
//	engine require_all
//	route * /health public
//	route GET /public/* anonymous
//	route GET,POST /api/users/{id} auth perms:users.read,users.write
//	route * /admin/* auth roles:admin
//
// Directives after the pattern: "anonymous", "public", "auth",
// "perms:<csv>", "roles:<csv>". "perms"/"roles" imply "auth".

// DSLParser parses the line-oriented rule DSL into a Config.
type DSLParser struct{}

func NewDSLParser() *DSLParser { return &DSLParser{} }

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{Version: 1}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "version":
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: version takes one argument", lineNo)
			}
			v, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid version: %v", lineNo, err)
			}
			cfg.Version = uint16(v)
		case "engine":
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: engine takes a setting", lineNo)
			}
			if err := parseEngineSetting(&cfg.Engine, fields[1:]); err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
		case "route":
			rc, err := parseRouteLine(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			cfg.Routes = append(cfg.Routes, rc)
		default:
			return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseEngineSetting(cfg *EngineConfig, fields []string) error {
	key := fields[0]
	switch key {
	case "require_all":
		cfg.RequireAll = true
		return nil
	case "strict_rules":
		cfg.StrictRules = true
		return nil
	}
	if len(fields) != 2 {
		return fmt.Errorf("engine %s takes one value", key)
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("engine %s: invalid value %q", key, fields[1])
	}
	switch key {
	case "permission_cache_ttl":
		cfg.PermissionCacheTTL = v
	case "source_timeout":
		cfg.SourceTimeout = v
	case "decision_cache_ttl":
		cfg.DecisionCacheTTL = v
	case "ristretto_num_counters":
		cfg.RistrettoNumCounters = v
	case "ristretto_max_cost":
		cfg.RistrettoMaxCost = v
	case "ristretto_buffer_items":
		cfg.RistrettoBufferItems = v
	default:
		return fmt.Errorf("unknown engine setting %q", key)
	}
	return nil
}

func parseRouteLine(fields []string) (RouteConfig, error) {
	var rc RouteConfig
	if len(fields) < 3 {
		return rc, fmt.Errorf("route takes methods, pattern and at least one directive")
	}
	if fields[0] != "*" {
		rc.Methods = strings.Split(fields[0], ",")
	}
	rc.Pattern = fields[1]
	for _, directive := range fields[2:] {
		switch {
		case directive == "anonymous":
			rc.AllowAnonymous = true
		case directive == "public":
			// no requirements at all
		case directive == "auth":
			rc.RequireAuthentication = true
		case strings.HasPrefix(directive, "perms:"):
			rc.RequireAuthentication = true
			rc.Permissions = append(rc.Permissions, strings.Split(directive[len("perms:"):], ",")...)
		case strings.HasPrefix(directive, "roles:"):
			rc.RequireAuthentication = true
			rc.Roles = append(rc.Roles, strings.Split(directive[len("roles:"):], ",")...)
		default:
			return rc, fmt.Errorf("unknown route directive %q", directive)
		}
	}
	return rc, nil
}

// ToDSL renders the config in the line DSL.
func (c *Config) ToDSL() ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "version %d\n", c.Version)
	writeEngineDSL(&b, &c.Engine)
	for _, rc := range c.Routes {
		methods := "*"
		if len(rc.Methods) > 0 {
			methods = strings.Join(rc.Methods, ",")
		}
		fmt.Fprintf(&b, "route %s %s", methods, rc.Pattern)
		switch {
		case rc.AllowAnonymous:
			b.WriteString(" anonymous")
		case !rc.RequireAuthentication && len(rc.Permissions) == 0 && len(rc.Roles) == 0:
			b.WriteString(" public")
		default:
			b.WriteString(" auth")
		}
		if len(rc.Permissions) > 0 {
			fmt.Fprintf(&b, " perms:%s", strings.Join(rc.Permissions, ","))
		}
		if len(rc.Roles) > 0 {
			fmt.Fprintf(&b, " roles:%s", strings.Join(rc.Roles, ","))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func writeEngineDSL(b *strings.Builder, cfg *EngineConfig) {
	if cfg.PermissionCacheTTL > 0 {
		fmt.Fprintf(b, "engine permission_cache_ttl %d\n", cfg.PermissionCacheTTL)
	}
	if cfg.SourceTimeout > 0 {
		fmt.Fprintf(b, "engine source_timeout %d\n", cfg.SourceTimeout)
	}
	if cfg.DecisionCacheTTL > 0 {
		fmt.Fprintf(b, "engine decision_cache_ttl %d\n", cfg.DecisionCacheTTL)
	}
	if cfg.RequireAll {
		b.WriteString("engine require_all\n")
	}
	if cfg.StrictRules {
		b.WriteString("engine strict_rules\n")
	}
	if cfg.RistrettoNumCounters > 0 {
		fmt.Fprintf(b, "engine ristretto_num_counters %d\n", cfg.RistrettoNumCounters)
		fmt.Fprintf(b, "engine ristretto_max_cost %d\n", cfg.RistrettoMaxCost)
		fmt.Fprintf(b, "engine ristretto_buffer_items %d\n", cfg.RistrettoBufferItems)
	}
}

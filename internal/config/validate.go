package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validateRecognizerConfig(cfg.Recognizer); err != nil {
		return err
	}

	if err := validateSanitizerConfig(cfg.Sanitizer); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxBodyBytes < 0 || cfg.Server.MaxTextChars < 0 || cfg.Server.MaxKnownNames < 0 || cfg.Server.MaxPDFBytes < 0 {
		return errors.New("server limits must not be negative")
	}

	seen := make(map[string]string)
	for _, c := range cfg.Clients {
		if strings.TrimSpace(c.ID) == "" {
			return errors.New("client id must be set")
		}
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("client %q must define at least one api_keys entry", c.ID)
		}
		for _, key := range c.APIKeys {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("client %q has an empty api_keys entry", c.ID)
			}
			if owner, ok := seen[key]; ok && owner != c.ID {
				return fmt.Errorf("api key of client %q is already assigned to client %q", c.ID, owner)
			}
			seen[key] = c.ID
		}
	}

	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}

	if err := validateAuditConfig(cfg.Audit); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return nil
}

func validateRecognizerConfig(r RecognizerConfig) error {
	switch strings.ToLower(strings.TrimSpace(r.Backend)) {
	case "prose":
	case "onnx":
		if strings.TrimSpace(r.ONNX.ModelDir) == "" {
			return errors.New("recognizer.onnx.model_dir must be set for the onnx backend")
		}
		if r.ONNX.SeqLen < 0 || r.ONNX.PoolSize < 0 {
			return errors.New("recognizer.onnx seq_len and pool_size must not be negative")
		}
	default:
		return fmt.Errorf("recognizer.backend must be prose or onnx, got %q", r.Backend)
	}
	for i, lbl := range r.PersonLabels {
		if strings.TrimSpace(lbl) == "" {
			return fmt.Errorf("recognizer.person_labels[%d] is empty", i)
		}
	}
	return nil
}

func validateSanitizerConfig(s SanitizerConfig) error {
	if err := validateInfoString("sanitizer.title", s.Title); err != nil {
		return err
	}
	if err := validateInfoString("sanitizer.producer", s.Producer); err != nil {
		return err
	}
	return validateInfoString("sanitizer.creator", s.Creator)
}

// validateInfoString restricts document info values to printable ASCII
// without literal string delimiters.
func validateInfoString(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must be set", field)
	}
	for _, r := range value {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("%s must be printable ASCII", field)
		}
		if r == '(' || r == ')' || r == '\\' {
			return fmt.Errorf("%s must not contain parentheses or backslashes", field)
		}
	}
	return nil
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", l.Format)
	}
	if strings.EqualFold(strings.TrimSpace(l.Output), "stdout") {
		return errors.New("logging.output must not be stdout")
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return errors.New("logging rotation settings must not be negative")
	}
	return nil
}

func validateAuditConfig(a AuditConfig) error {
	if a.QueueSize < 0 || a.Workers < 0 {
		return errors.New("audit.queue_size and audit.workers must not be negative")
	}
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("audit sink %d (%s) missing path", i, s.Type)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("audit sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("audit sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("audit sink %d (webhook) url must be http or https", i)
			}
			if err := blockPrivateHost(u.Host, s.AllowPrivateNetworks); err != nil {
				return fmt.Errorf("audit sink %d (webhook) url blocked: %w", i, err)
			}
		default:
			return fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if strings.Contains(hostport, "]") || strings.Contains(hostport, ":") {
		h, _, err := net.SplitHostPort(hostport)
		if err == nil {
			host = h
		}
	}
	lc := strings.ToLower(strings.TrimSpace(host))
	if lc == "localhost" {
		return errors.New("private network host localhost blocked for SSRF safety")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private network IP %s blocked for SSRF safety", ip.String())
		}
		return nil
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []*net.IPNet{
		{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
		{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("::1"), Mask: net.CIDRMask(128, 128)},
		{IP: net.ParseIP("fc00::"), Mask: net.CIDRMask(7, 128)},
		{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)},
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

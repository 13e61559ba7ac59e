package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway adapter types
const (
	GatewayTypeSimple   = "simple"
	GatewayTypeWallet   = "wallet"
	GatewayTypeBankCode = "bankcode"
)

// GatewayDefinition is the static configuration of one settlement gateway.
// Secrets may reference environment variables as ${NAME}.
type GatewayDefinition struct {
	Code           string `yaml:"code"`
	Type           string `yaml:"type"`
	BaseURL        string `yaml:"base_url"`
	MerchantNo     string `yaml:"merchant_no"`
	Secret         string `yaml:"secret"`
	PayInPath      string `yaml:"payin_path"`
	PayOutPath     string `yaml:"payout_path"`
	QueryPath      string `yaml:"query_path"`
	NotifyURL      string `yaml:"notify_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout for calls to this gateway
func (g GatewayDefinition) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecret substitutes ${NAME} references only; any other '$' is literal
func expandSecret(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

type gatewaysFile struct {
	Gateways []GatewayDefinition `yaml:"gateways"`
}

// LoadGateways reads gateway definitions from a YAML file. A missing file
// yields no gateways.
func LoadGateways(path string) ([]GatewayDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseGateways(data)
}

// ParseGateways decodes and validates a gateway definitions document
func ParseGateways(data []byte) ([]GatewayDefinition, error) {
	var f gatewaysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid gateways yaml: %w", err)
	}

	seen := make(map[string]bool, len(f.Gateways))
	for i := range f.Gateways {
		g := &f.Gateways[i]
		g.Secret = expandSecret(g.Secret)
		g.BaseURL = strings.TrimRight(g.BaseURL, "/")

		if g.Code == "" {
			return nil, fmt.Errorf("gateway #%d: code is required", i)
		}
		if seen[g.Code] {
			return nil, fmt.Errorf("gateway %s: duplicate code", g.Code)
		}
		seen[g.Code] = true

		switch g.Type {
		case GatewayTypeSimple, GatewayTypeWallet, GatewayTypeBankCode:
		default:
			return nil, fmt.Errorf("gateway %s: unknown type %q", g.Code, g.Type)
		}
		if g.BaseURL == "" {
			return nil, fmt.Errorf("gateway %s: base_url is required", g.Code)
		}
	}
	return f.Gateways, nil
}

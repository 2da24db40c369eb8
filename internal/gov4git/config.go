package gov4git

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AuthConfig holds credentials for one repository URL.
type AuthConfig struct {
	AccessToken string `json:"access_token"`
}

// ConfigFile is the JSON configuration gov4git reads via --config.
type ConfigFile struct {
	Auth map[string]AuthConfig `json:"auth"`

	GovPublicURL     string `json:"gov_public_url"`
	GovPublicBranch  string `json:"gov_public_branch"`
	GovPrivateURL    string `json:"gov_private_url"`
	GovPrivateBranch string `json:"gov_private_branch"`

	MemberPublicURL     string `json:"member_public_url"`
	MemberPublicBranch  string `json:"member_public_branch"`
	MemberPrivateURL    string `json:"member_private_url"`
	MemberPrivateBranch string `json:"member_private_branch"`

	CacheDir        string `json:"cache_dir,omitempty"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty"`
}

// NewConfigFile builds a config that authenticates every repository with
// the same token.
func NewConfigFile(token, govPublic, govPrivate, govBranch, memberPublic, memberPrivate, memberBranch string) *ConfigFile {
	cfg := &ConfigFile{
		Auth:                map[string]AuthConfig{},
		GovPublicURL:        govPublic,
		GovPublicBranch:     govBranch,
		GovPrivateURL:       govPrivate,
		GovPrivateBranch:    govBranch,
		MemberPublicURL:     memberPublic,
		MemberPublicBranch:  memberBranch,
		MemberPrivateURL:    memberPrivate,
		MemberPrivateBranch: memberBranch,
	}
	for _, url := range []string{govPublic, govPrivate, memberPublic, memberPrivate} {
		if url != "" {
			cfg.Auth[url] = AuthConfig{AccessToken: token}
		}
	}
	return cfg
}

// WriteConfig writes cfg to path atomically with owner-only permissions.
func WriteConfig(path string, cfg *ConfigFile) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode gov4git config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".gov4git-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move config into place: %w", err)
	}
	return nil
}

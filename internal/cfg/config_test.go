package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
gitlab_url = "https://gitlab.example.com"
auth_token_file = "/run/secrets/marge-token"
ssh_key_file = "/run/secrets/marge-key"
embargo = "Fri@6pm - Mon@7am"
add_reviewers = true
add_part_of = true
merge_order = "assigned_at"
ci_timeout = "30m"
project_regexp = "^springfield/"
batch = true
log_format = "json"
`

const yamlConfig = `
gitlab_url: https://gitlab.example.com
auth_token_file: /run/secrets/marge-token
ssh_key_file: /run/secrets/marge-key
embargo: Fri@6pm - Mon@7am
add_reviewers: true
add_part_of: true
merge_order: assigned_at
ci_timeout: 30m
project_regexp: ^springfield/
batch: true
log_format: json
`

func expectedConfig() *Config {
	return &Config{
		GitLabURL:     "https://gitlab.example.com",
		AuthTokenFile: "/run/secrets/marge-token",
		SSHKeyFile:    "/run/secrets/marge-key",
		Embargo:       "Fri@6pm - Mon@7am",
		AddReviewers:  true,
		AddPartOf:     true,
		MergeOrder:    "assigned_at",
		CITimeout:     "30m",
		ProjectRegexp: "^springfield/",
		Batch:         true,
		LogFormat:     "json",
	}
}

func TestLoad(t *testing.T) {
	tcs := []struct {
		name   string
		format Format
		doc    string
	}{
		{"toml", FormatTOML, tomlConfig},
		{"yaml", FormatYAML, yamlConfig},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			config, err := Load(strings.NewReader(tc.doc), tc.format)
			require.NoError(t, err)
			assert.Equal(t, expectedConfig(), config)
			assert.NoError(t, config.Validate())
		})
	}
}

func TestLoadRejectsUnknownSettings(t *testing.T) {
	_, err := Load(strings.NewReader("gitlab_url = \"https://x\"\nauth_token = \"secret\"\n"), FormatTOML)
	assert.Error(t, err)

	_, err = Load(strings.NewReader("gitlab_url: https://x\nauth_token: secret\n"), FormatYAML)
	assert.Error(t, err)
}

func TestLoadEmptyYAML(t *testing.T) {
	config, err := Load(strings.NewReader(""), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, config)
}

func TestLoadFileChoosesFormatByExtension(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "margebot.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(tomlConfig), 0o600))

	yamlPath := filepath.Join(dir, "margebot.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o600))

	for _, path := range []string{tomlPath, yamlPath} {
		config, err := LoadFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, expectedConfig(), config, path)
	}

	iniPath := filepath.Join(dir, "margebot.ini")
	require.NoError(t, os.WriteFile(iniPath, []byte(tomlConfig), 0o600))

	_, err := LoadFile(iniPath)
	assert.ErrorContains(t, err, "unsupported configuration file extension")
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		name      string
		config    Config
		errSubstr string
	}{
		{
			name:      "invalid duration",
			config:    Config{CITimeout: "15 minutes"},
			errSubstr: "ci_timeout",
		},
		{
			name:      "invalid regexp",
			config:    Config{BranchRegexp: "(main"},
			errSubstr: "branch_regexp",
		},
		{
			name:      "invalid merge order",
			config:    Config{MergeOrder: "random"},
			errSubstr: "merge_order",
		},
		{
			name:      "invalid embargo",
			config:    Config{Embargo: "Someday@9am - Friday@5pm"},
			errSubstr: "embargo",
		},
		{
			name:      "invalid log format",
			config:    Config{LogFormat: "xml"},
			errSubstr: "log_format",
		},
		{
			name:      "merge strategy and remote rebase",
			config:    Config{UseMergeStrategy: true, RebaseRemotely: true},
			errSubstr: "mutually exclusive",
		},
		{
			name:      "remote rebase with trailers",
			config:    Config{RebaseRemotely: true, AddTested: true},
			errSubstr: "rebase_remotely can not be combined",
		},
		{
			name:      "remote rebase with reapproval",
			config:    Config{RebaseRemotely: true, ImpersonateApprovers: true},
			errSubstr: "rebase_remotely can not be combined",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorContains(t, tc.config.Validate(), tc.errSubstr)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	config := Config{CITimeout: "soon", GitTimeout: "later", LogFormat: "xml"}

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ci_timeout")
	assert.Contains(t, err.Error(), "git_timeout")
	assert.Contains(t, err.Error(), "log_format")
}

func TestFlagValues(t *testing.T) {
	values := expectedConfig().FlagValues()

	assert.Equal(t, map[string]string{
		"gitlab-url":      "https://gitlab.example.com",
		"auth-token-file": "/run/secrets/marge-token",
		"ssh-key-file":    "/run/secrets/marge-key",
		"embargo":         "Fri@6pm - Mon@7am",
		"add-reviewers":   "true",
		"add-part-of":     "true",
		"merge-order":     "assigned_at",
		"ci-timeout":      "30m",
		"project-regexp":  "^springfield/",
		"batch":           "true",
		"log-format":      "json",
	}, values)
}

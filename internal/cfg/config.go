package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/interval"
)

// Format is the serialization format of a configuration file.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

// Config contains the settings that can be defined in a configuration
// file. Every setting has a command line flag of the same name with
// underscores replaced by dashes, flags take precedence.
type Config struct {
	GitLabURL              string `toml:"gitlab_url" yaml:"gitlab_url"`
	AuthTokenFile          string `toml:"auth_token_file" yaml:"auth_token_file"`
	SSHKeyFile             string `toml:"ssh_key_file" yaml:"ssh_key_file"`
	Embargo                string `toml:"embargo" yaml:"embargo"`
	UseMergeStrategy       bool   `toml:"use_merge_strategy" yaml:"use_merge_strategy"`
	RebaseRemotely         bool   `toml:"rebase_remotely" yaml:"rebase_remotely"`
	AddTested              bool   `toml:"add_tested" yaml:"add_tested"`
	AddReviewers           bool   `toml:"add_reviewers" yaml:"add_reviewers"`
	AddPartOf              bool   `toml:"add_part_of" yaml:"add_part_of"`
	ImpersonateApprovers   bool   `toml:"impersonate_approvers" yaml:"impersonate_approvers"`
	MergeOrder             string `toml:"merge_order" yaml:"merge_order"`
	ApprovalResetTimeout   string `toml:"approval_reset_timeout" yaml:"approval_reset_timeout"`
	ProjectRegexp          string `toml:"project_regexp" yaml:"project_regexp"`
	BranchRegexp           string `toml:"branch_regexp" yaml:"branch_regexp"`
	SourceBranchRegexp     string `toml:"source_branch_regexp" yaml:"source_branch_regexp"`
	MRFilter               string `toml:"mr_filter" yaml:"mr_filter"`
	CITimeout              string `toml:"ci_timeout" yaml:"ci_timeout"`
	GitTimeout             string `toml:"git_timeout" yaml:"git_timeout"`
	GitReferenceRepo       string `toml:"git_reference_repo" yaml:"git_reference_repo"`
	Batch                  bool   `toml:"batch" yaml:"batch"`
	UseNoFFBatches         bool   `toml:"use_no_ff_batches" yaml:"use_no_ff_batches"`
	GuaranteeFinalPipeline bool   `toml:"guarantee_final_pipeline" yaml:"guarantee_final_pipeline"`
	PollInterval           string `toml:"poll_interval" yaml:"poll_interval"`
	HTTPListenAddr         string `toml:"http_listen_addr" yaml:"http_listen_addr"`
	LogFormat              string `toml:"log_format" yaml:"log_format"`
	LogTimeKey             string `toml:"log_time_key" yaml:"log_time_key"`
	LogLevel               string `toml:"log_level" yaml:"log_level"`
}

// FormatFromPath returns the format of a configuration file by its file
// extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("unsupported configuration file extension %q, supported: .toml, .yaml, .yml", filepath.Ext(path))
	}
}

// LoadFile reads the configuration file at path.
func LoadFile(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f, format)
}

// Load decodes a configuration. Unknown settings are reported as error.
func Load(reader io.Reader, format Format) (*Config, error) {
	var result Config

	switch format {
	case FormatTOML:
		if err := toml.NewDecoder(reader).Strict(true).Decode(&result); err != nil {
			return nil, err
		}

	case FormatYAML:
		dec := yaml.NewDecoder(reader)
		dec.KnownFields(true)

		if err := dec.Decode(&result); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported configuration format: %d", format)
	}

	return &result, nil
}

// Validate checks that all settings are well-formed and not conflicting.
func (c *Config) Validate() error {
	var errs []error

	for name, val := range map[string]string{
		"approval_reset_timeout": c.ApprovalResetTimeout,
		"ci_timeout":             c.CITimeout,
		"git_timeout":            c.GitTimeout,
		"poll_interval":          c.PollInterval,
	} {
		if val == "" {
			continue
		}

		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for name, val := range map[string]string{
		"project_regexp":       c.ProjectRegexp,
		"branch_regexp":        c.BranchRegexp,
		"source_branch_regexp": c.SourceBranchRegexp,
	} {
		if _, err := regexp.Compile(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.MergeOrder != "" {
		if _, err := gitlab.ParseMergeOrder(c.MergeOrder); err != nil {
			errs = append(errs, fmt.Errorf("merge_order: %w", err))
		}
	}

	if c.Embargo != "" {
		if _, err := interval.ParseIntervalUnion(c.Embargo); err != nil {
			errs = append(errs, fmt.Errorf("embargo: %w", err))
		}
	}

	switch c.LogFormat {
	case "", "logfmt", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unsupported value %q, supported: logfmt, console, json", c.LogFormat))
	}

	if c.UseMergeStrategy && c.RebaseRemotely {
		errs = append(errs, errors.New("use_merge_strategy and rebase_remotely are mutually exclusive"))
	}

	if c.RebaseRemotely && (c.AddTested || c.AddReviewers || c.AddPartOf || c.ImpersonateApprovers) {
		errs = append(errs, errors.New(
			"rebase_remotely can not be combined with add_tested, add_reviewers, add_part_of or impersonate_approvers",
		))
	}

	return errors.Join(errs...)
}

// FlagValues returns the settings that are set in the configuration, keyed
// by their command line flag name.
// Values are formatted as accepted by the flag parser.
func (c *Config) FlagValues() map[string]string {
	result := map[string]string{}

	val := reflect.ValueOf(c).Elem()
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		name, _, _ := strings.Cut(typ.Field(i).Tag.Get("toml"), ",")
		flagName := strings.ReplaceAll(name, "_", "-")

		switch f := val.Field(i); f.Kind() {
		case reflect.String:
			if f.String() != "" {
				result[flagName] = f.String()
			}

		case reflect.Bool:
			if f.Bool() {
				result[flagName] = strconv.FormatBool(true)
			}
		}
	}

	return result
}

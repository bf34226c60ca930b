// Package cfg loads the mergetrain configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefaultBaseBranch        = "master"
	DefaultIntegrationBranch = "unstable"
	DefaultAPIRetryTimeout   = 10 * time.Minute
	DefaultLogFormat         = "logfmt"
	DefaultLogTimeKey        = "time_iso8601"
	DefaultLogLevel          = "info"
	DefaultAuthorName        = "mergetrain"
	DefaultAuthorEmail       = "mergetrain@localhost"
)

type Config struct {
	LogFormat            string `toml:"log_format"`
	LogTimeKey           string `toml:"log_time_key"`
	LogLevel             string `toml:"log_level"`
	GithubAPIToken       string `toml:"github_api_token"`
	HTTPServerListenAddr string `toml:"http_server_listen_addr"`
	RunIntervalStr       string `toml:"run_interval"`
	APIRetryTimeoutStr   string `toml:"api_retry_timeout"`

	// GithubWebhookEndpoint is the path of the http server at that GitHub
	// webhook events are received. Events that affect the merge train
	// trigger a run before the next interval expires.
	GithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebhookSecret   string `toml:"github_webhook_secret"`

	Github GithubCfg `toml:"github"`
	Git    GitCfg    `toml:"git"`
	Merge  MergeCfg  `toml:"merge"`

	// RunInterval and APIRetryTimeout are set by Validate.
	RunInterval     time.Duration `toml:"-"`
	APIRetryTimeout time.Duration `toml:"-"`
}

type GithubCfg struct {
	Organization      string `toml:"organization"`
	Team              string `toml:"team"`
	Repository        string `toml:"repository"`
	ChangeFilterQuery string `toml:"change_filter_query"`
}

type GitCfg struct {
	WorkingDir        string `toml:"working_dir"`
	RemoteURL         string `toml:"remote_url"`
	BaseBranch        string `toml:"base_branch"`
	IntegrationBranch string `toml:"integration_branch"`
	// Binary is the path of the git executable, if empty git is
	// searched in $PATH.
	Binary string `toml:"binary"`
}

type MergeCfg struct {
	IncludeLabel    string   `toml:"include_label"`
	ExcludeLabel    string   `toml:"exclude_label"`
	DescribeOptions []string `toml:"describe_options"`
	VersionFormat   string   `toml:"version_format"`
	MessageTemplate string   `toml:"message_template"`
	ChangeTemplate  string   `toml:"change_template"`
	AuthorName      string   `toml:"author_name"`
	AuthorEmail     string   `toml:"author_email"`
}

// Load reads a TOML configuration, applies defaults and validates it.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = DefaultLogTimeKey
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Git.BaseBranch == "" {
		c.Git.BaseBranch = DefaultBaseBranch
	}

	if c.Git.IntegrationBranch == "" {
		c.Git.IntegrationBranch = DefaultIntegrationBranch
	}

	if c.Git.RemoteURL == "" && c.Github.Organization != "" && c.Github.Repository != "" {
		c.Git.RemoteURL = fmt.Sprintf("https://github.com/%s/%s.git", c.Github.Organization, c.Github.Repository)
	}

	if c.Merge.AuthorName == "" {
		c.Merge.AuthorName = DefaultAuthorName
	}

	if c.Merge.AuthorEmail == "" {
		c.Merge.AuthorEmail = DefaultAuthorEmail
	}
}

// Validate checks that all required settings are set and parses the duration
// settings.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		key string
		val string
	}{
		{"github.organization", c.Github.Organization},
		{"github.team", c.Github.Team},
		{"github.repository", c.Github.Repository},
		{"git.working_dir", c.Git.WorkingDir},
		{"git.remote_url", c.Git.RemoteURL},
		{"git.base_branch", c.Git.BaseBranch},
		{"git.integration_branch", c.Git.IntegrationBranch},
	}

	for _, r := range required {
		if r.val == "" {
			errs = append(errs, fmt.Errorf("%s must be set", r.key))
		}
	}

	if c.GithubWebhookEndpoint != "" && c.HTTPServerListenAddr == "" {
		errs = append(errs, errors.New("github_webhook_endpoint requires http_server_listen_addr to be set"))
	}

	if c.Git.BaseBranch != "" && c.Git.BaseBranch == c.Git.IntegrationBranch {
		errs = append(errs, errors.New("git.base_branch and git.integration_branch must differ"))
	}

	if c.Merge.IncludeLabel != "" && c.Merge.IncludeLabel == c.Merge.ExcludeLabel {
		errs = append(errs, errors.New("merge.include_label and merge.exclude_label must differ"))
	}

	switch c.LogFormat {
	case "logfmt", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unsupported value %q, supported: logfmt, console, json", c.LogFormat))
	}

	c.RunInterval = 0
	if c.RunIntervalStr != "" {
		d, err := time.ParseDuration(c.RunIntervalStr)
		if err != nil {
			errs = append(errs, fmt.Errorf("run_interval: %w", err))
		} else if d <= 0 {
			errs = append(errs, errors.New("run_interval must be positive"))
		} else {
			c.RunInterval = d
		}
	}

	c.APIRetryTimeout = DefaultAPIRetryTimeout
	if c.APIRetryTimeoutStr != "" {
		d, err := time.ParseDuration(c.APIRetryTimeoutStr)
		if err != nil {
			errs = append(errs, fmt.Errorf("api_retry_timeout: %w", err))
		} else if d <= 0 {
			errs = append(errs, errors.New("api_retry_timeout must be positive"))
		} else {
			c.APIRetryTimeout = d
		}
	}

	return errors.Join(errs...)
}

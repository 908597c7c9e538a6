package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ConfigurationError struct {
	errs []error
}

func (c *ConfigurationError) Error() string {
	errstrings := make([]string, 0, len(c.errs))
	for _, err := range c.errs {
		errstrings = append(errstrings, err.Error())
	}

	return fmt.Sprintf("found %d error(s) in the configuration:\n%s", len(c.errs), strings.Join(errstrings, "\n"))
}

func (c *ConfigurationError) PushError(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *ConfigurationError) Unwrap() []error {
	return c.errs
}

func positive[T int | uint](name string, v T) error {
	if v < 1 {
		return fmt.Errorf("field %s must be at least 1 (value %d)", name, v)
	}
	return nil
}

// Validate checks the settings every command relies on. The sink is only required when
// syncs actually send data.
func (c *Config) Validate() error {
	errorsFound := &ConfigurationError{}

	errorsFound.PushError(positive("workers", c.Workers))
	errorsFound.PushError(positive("phase-concurrency", c.PhaseConcurrency))
	errorsFound.PushError(positive("retry-max-attempts", c.RetryMaxAttempts))
	errorsFound.PushError(positive("sink-rate", c.SinkRate))
	if c.DBDSN == "" {
		errorsFound.PushError(fmt.Errorf("field db-dsn is required"))
	}
	if c.TickInterval <= 0 {
		errorsFound.PushError(fmt.Errorf("field tick-interval must be positive (value %s)", c.TickInterval))
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		errorsFound.PushError(fmt.Errorf("field retry-max-delay (%s) is shorter than retry-initial-delay (%s)", c.RetryMaxDelay, c.RetryInitialDelay))
	}
	if c.BranchTimeout <= 0 || c.PhaseJoinTimeout <= 0 {
		errorsFound.PushError(fmt.Errorf("fields branch-timeout and phase-join-timeout must be positive"))
	}
	if !c.DryRun {
		if c.SinkURL == "" {
			errorsFound.PushError(fmt.Errorf("field sink-url is required unless dry-run is set"))
		} else if u, err := url.Parse(c.SinkURL); err != nil || u.Scheme == "" || u.Host == "" {
			errorsFound.PushError(fmt.Errorf("field sink-url is not an absolute URL (value '%s')", c.SinkURL))
		}
	}
	if c.OtelSampleRatio < 0 || c.OtelSampleRatio > 1 {
		errorsFound.PushError(fmt.Errorf("field otel-sample-ratio must be between 0 and 1 (value %g)", c.OtelSampleRatio))
	}
	if len(c.Providers) == 0 {
		errorsFound.PushError(fmt.Errorf("field providers must name at least one provider"))
	}

	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}

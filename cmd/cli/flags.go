package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/netsentry/internal/config"
)

// runFlag binds one command-line flag to a configuration key. Environment
// variables use the same key, e.g. NETSENTRY_SCANNING_PORT_RANGE.
type runFlag struct {
	name  string
	key   string
	apply func(cfg *config.Config, v *viper.Viper, key string)
}

var runFlags = []runFlag{
	{"ports", "scanning.port_range", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.PortRange = v.GetString(k)
	}},
	{"exclude-ports", "scanning.exclude_ports", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.ExcludePorts = v.GetString(k)
	}},
	{"technique", "scanning.scan_technique", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.Technique = v.GetString(k)
	}},
	{"timeout", "scanning.timeout_per_probe", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.TimeoutPerProbe = v.GetDuration(k)
	}},
	{"retries", "scanning.retry.max_retries", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.Retry.MaxRetries = v.GetInt(k)
	}},
	{"force-scan", "scanning.force_scan", func(c *config.Config, v *viper.Viper, k string) {
		c.Scanning.ForceScan = v.GetBool(k)
	}},
	{"discovery", "discovery.discovery_methods", func(c *config.Config, v *viper.Viper, k string) {
		c.Discovery.Methods = v.GetStringSlice(k)
	}},
	{"exclude", "targets.exclude_hosts", func(c *config.Config, v *viper.Viper, k string) {
		c.Targets.ExcludeHosts = v.GetStringSlice(k)
	}},
	{"dns-server", "targets.dns_server", func(c *config.Config, v *viper.Viper, k string) {
		c.Targets.DNSServer = v.GetString(k)
	}},
	{"rate", "rate_limit.requests_per_second", func(c *config.Config, v *viper.Viper, k string) {
		rate := v.GetInt(k)
		c.RateLimit.Enabled = rate > 0
		c.RateLimit.RequestsPerSecond = rate
	}},
	{"max-hosts", "concurrency.max_hosts_in_flight", func(c *config.Config, v *viper.Viper, k string) {
		c.Concurrency.MaxHostsInFlight = v.GetInt(k)
	}},
	{"checks", "checks.check_selection", func(c *config.Config, v *viper.Viper, k string) {
		c.Checks.Selection = v.GetStringSlice(k)
	}},
	{"ssl-verify", "checks.ssl_verify", func(c *config.Config, v *viper.Viper, k string) {
		c.Checks.SSLVerify = v.GetBool(k)
	}},
	{"grace-period", "grace_period", func(c *config.Config, v *viper.Viper, k string) {
		c.GracePeriod = v.GetDuration(k)
	}},
	{"log-level", "logging.level", func(c *config.Config, v *viper.Viper, k string) {
		c.Logging.Level = v.GetString(k)
	}},
	{"metrics-textfile", "metrics.textfile", func(c *config.Config, v *viper.Viper, k string) {
		c.Metrics.Textfile = v.GetString(k)
		c.Metrics.Enabled = c.Metrics.Textfile != ""
	}},
}

// addRunFlags registers the flags shared by every command that runs an
// assessment.
func addRunFlags(fs *pflag.FlagSet) {
	fs.StringP("ports", "p", "", `ports to scan: "common", "all" or a list such as "22,80,8000-8100"`)
	fs.String("exclude-ports", "", "ports removed from --ports")
	fs.StringP("technique", "t", "", "scan technique: connect, syn or udp")
	fs.Duration("timeout", 0, "deadline for a single probe")
	fs.Int("retries", 0, "retries after a failed probe")
	fs.Bool("force-scan", false, "scan hosts even when discovery finds them down")
	fs.StringSlice("discovery", nil, "discovery methods: icmp, arp, tcp-syn, tcp-connect")
	fs.StringSlice("exclude", nil, "addresses or CIDRs to leave out")
	fs.String("dns-server", "", "DNS server used to resolve hostnames")
	fs.Int("rate", 0, "outbound probes per second, 0 for unlimited")
	fs.Int("max-hosts", 0, "host pipelines running at once")
	fs.StringSlice("checks", nil, "check IDs or families to run (default all)")
	fs.Bool("ssl-verify", true, "verify certificates on TLS connections made by checks")
	fs.Duration("grace-period", 0, "time in-flight probes get after cancellation")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("metrics-textfile", "", "write Prometheus metrics to this file after each run")

	addOutputFlags(fs)
}

// bindRunFlags points the viper keys at cmd's flags. Commands share keys, so
// binding happens when a command runs rather than at init.
func bindRunFlags(cmd *cobra.Command) error {
	for _, f := range runFlags {
		flag := cmd.Flags().Lookup(f.name)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(f.key, flag); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", f.name, err)
		}
	}
	return nil
}

// applyOverrides copies every key set by a flag or environment variable
// into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) error {
	for _, f := range runFlags {
		if err := v.BindEnv(f.key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", f.key, err)
		}
		if v.IsSet(f.key) {
			f.apply(cfg, v, f.key)
		}
	}
	return nil
}

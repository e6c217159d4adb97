package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/session"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var (
	outputFormat string
	outputFile   string
)

func addOutputFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&outputFormat, "format", "f", formatTable, "output format: table, json or yaml")
	fs.StringVarP(&outputFile, "output", "o", "", "write the report to this file instead of stdout")
}

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return errors.NewConfigFieldError(errors.CodeValidation, "unknown output format", "format", format)
}

// view selects which sections of an assessment a table shows.
type view struct {
	ports    bool
	findings bool
}

// writeReport renders a to --output, or stdout when it is empty.
func writeReport(stdout io.Writer, a *session.Assessment, v view) error {
	w := stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return errors.WrapFileError(err, outputFile)
		}
		defer f.Close()
		w = f
	}
	return render(w, outputFormat, a, v)
}

func render(w io.Writer, format string, a *session.Assessment, v view) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(a); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		return renderTables(w, a, v)
	}
	return validateFormat(format)
}

func renderTables(w io.Writer, a *session.Assessment, v view) error {
	fmt.Fprintf(w, "Assessment %s: %s in %s\n", a.ID, a.State, a.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Targets: %s\n\n", strings.Join(a.Targets, ", "))

	hosts := tablewriter.NewWriter(w)
	hosts.Header("Host", "Hostname", "Status", "Method", "Open Ports", "Note")
	for _, h := range a.Hosts {
		open := 0
		for _, p := range h.Ports {
			if p.State == session.PortOpen || p.State == session.PortOpenOrFiltered {
				open++
			}
		}
		note := h.Reason
		if h.Forced {
			note = strings.TrimSpace("forced " + note)
		}
		_ = hosts.Append([]string{h.Address.String(), h.Hostname, string(h.Status), h.Method, strconv.Itoa(open), note})
	}
	if err := hosts.Render(); err != nil {
		return err
	}

	if v.ports {
		fmt.Fprintln(w)
		ports := tablewriter.NewWriter(w)
		ports.Header("Host", "Port", "State", "Service", "Version", "TLS")
		for _, h := range a.Hosts {
			for _, p := range h.Ports {
				if p.State == session.PortClosed {
					continue
				}
				tls := ""
				if p.Service.TLS {
					tls = "yes"
				}
				_ = ports.Append([]string{
					h.Address.String(),
					fmt.Sprintf("%d/%s", p.Port, p.Protocol),
					string(p.State),
					p.Service.Name,
					strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
					tls,
				})
			}
		}
		if err := ports.Render(); err != nil {
			return err
		}
	}

	if v.findings {
		fmt.Fprintln(w)
		findings := tablewriter.NewWriter(w)
		findings.Header("Severity", "Host", "Port", "Check", "Title")
		for _, f := range a.Findings {
			_ = findings.Append([]string{
				strings.ToUpper(f.Severity.String()),
				f.Host.String(),
				fmt.Sprintf("%d/%s", f.Port, f.Protocol),
				f.CheckID,
				f.Title,
			})
		}
		if err := findings.Render(); err != nil {
			return err
		}

		if len(a.Recommendations) > 0 {
			fmt.Fprintln(w, "\nRecommendations:")
			for _, r := range a.Recommendations {
				fmt.Fprintf(w, "  [%s] %s (%d affected)\n", strings.ToUpper(r.Severity.String()), r.Remediation, r.Affected)
			}
		}
	}

	fmt.Fprintf(w, "\nHosts: %d (%d live)  Open ports: %d  Findings: %d\n",
		a.Summary.Hosts, a.Summary.LiveHosts, a.Summary.OpenPorts, a.Summary.Findings)
	for _, sev := range session.Severities() {
		if n := a.Summary.FindingsBySeverity[sev.String()]; n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", sev, n)
		}
	}
	for _, s := range a.Skipped {
		fmt.Fprintf(w, "Skipped %s: %s\n", s.Input, s.Reason)
	}
	for _, msg := range a.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", msg)
	}
	return nil
}

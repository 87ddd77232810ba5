// Command evidence-verify is the offline verifier CLI of §6: it recomputes
// and classifies a session's canonical export with no access to the
// originating service, and reports PASS/DEGRADED/FAIL through a strict exit
// code contract (0/1/2) that downstream tooling can rely on.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/verifier"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprintln(stderr, "usage: evidence-verify verify <path> [--output <file>] [--authorities <list>] [--quiet] [--allow-redacted]")
		return 2
	}

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	output := fs.String("output", "", "write the JSON report to this file instead of stdout")
	authorities := fs.String("authorities", "", "comma-separated trusted chain_authority values")
	quiet := fs.Bool("quiet", false, "suppress the human-readable summary line")
	allowRedacted := fs.Bool("allow-redacted", false, "do not treat redacted fields as a policy violation")
	fs.SetOutput(stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: evidence-verify verify <path> [--output <file>] [--authorities <list>] [--quiet] [--allow-redacted]")
		return 2
	}
	path := fs.Arg(0)

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "evidence-verify: cannot read %q: %v\n", path, err)
		return 2
	}

	trusted := map[string]bool{}
	if *authorities != "" {
		for _, a := range strings.Split(*authorities, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				trusted[a] = true
			}
		}
	}

	report, err := verifier.Verify(raw, verifier.Options{
		TrustedAuthorities: trusted,
		AllowRedacted:      *allowRedacted,
	})
	if err != nil {
		fmt.Fprintf(stderr, "evidence-verify: %q is not a valid export: %v\n", path, err)
		return 2
	}

	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "evidence-verify: failed to encode report: %v\n", err)
		return 2
	}

	if *output != "" {
		if err := os.WriteFile(*output, reportJSON, 0o644); err != nil {
			fmt.Fprintf(stderr, "evidence-verify: failed to write %q: %v\n", *output, err)
			return 2
		}
	} else {
		fmt.Fprintln(stdout, string(reportJSON))
	}

	if !*quiet {
		fmt.Fprintf(stderr, "status=%s evidence_class=%s events=%d findings=%d\n",
			report.Status, report.EvidenceClass, report.EventCount, len(report.Findings))
	}

	return errs.ExitCode(string(report.Status))
}

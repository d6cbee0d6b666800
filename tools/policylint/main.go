package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type grantEntry struct {
	Origin   string   `yaml:"origin"`
	Accounts []string `yaml:"accounts"`
}

type policyFile struct {
	Grants []grantEntry `yaml:"grants"`
}

type finding struct {
	severity string
	message  string
}

func main() {
	var (
		policyPath = flag.String("policy", "", "path to the YAML grants file")
		strict     = flag.Bool("strict", false, "treat warnings as failures")
	)
	flag.Parse()

	if *policyPath == "" {
		fatal("policy path is required")
	}

	data, err := os.ReadFile(*policyPath)
	if err != nil {
		fatal(fmt.Sprintf("read policy: %v", err))
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		fatal(fmt.Sprintf("decode policy: %v", err))
	}

	findings := lint(file)
	errors, warnings := 0, 0
	for _, f := range findings {
		fmt.Printf("%s: %s\n", strings.ToUpper(f.severity), f.message)
		if f.severity == "error" {
			errors++
		} else {
			warnings++
		}
	}
	fmt.Printf("policylint: %d grants, %d errors, %d warnings\n", len(file.Grants), errors, warnings)
	if errors > 0 || (*strict && warnings > 0) {
		os.Exit(1)
	}
}

func lint(file policyFile) []finding {
	var findings []finding
	report := func(severity, format string, args ...any) {
		findings = append(findings, finding{severity: severity, message: fmt.Sprintf(format, args...)})
	}

	if len(file.Grants) == 0 {
		report("warning", "no grants declared, every embedded surface sees an empty account set")
	}

	seen := make(map[string]int)
	for i, grant := range file.Grants {
		origin := strings.ToLower(strings.TrimSpace(grant.Origin))
		if origin == "" {
			report("error", "grant %d: missing origin", i)
			continue
		}
		if prev, dup := seen[origin]; dup {
			report("error", "grant %d: origin %q already declared by grant %d, later entry wins at load", i, origin, prev)
		}
		seen[origin] = i

		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			report("warning", "grant %d: origin %q does not look like a scheme://host origin", i, origin)
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			report("warning", "grant %d: origin %q uses scheme %q, browser surfaces send http or https", i, origin, parsed.Scheme)
		}

		if len(grant.Accounts) == 0 {
			report("warning", "grant %d (%s): no accounts, grant has no effect", i, origin)
		}
		accounts := make(map[common.Address]bool, len(grant.Accounts))
		for _, raw := range grant.Accounts {
			trimmed := strings.TrimSpace(raw)
			if !common.IsHexAddress(trimmed) {
				report("error", "grant %d (%s): invalid account %q", i, origin, raw)
				continue
			}
			addr := common.HexToAddress(trimmed)
			if accounts[addr] {
				report("warning", "grant %d (%s): duplicate account %s", i, origin, addr.Hex())
			}
			accounts[addr] = true
		}
	}
	return findings
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "policylint: %s\n", msg)
	os.Exit(1)
}

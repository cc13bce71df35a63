package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/playbook"
	"github.com/sentinelops/secops-engine/internal/remediation"
)

// playbooks validates a YAML catalog against the built-in response actions
// without starting the engine.
func main() {
	var (
		file     = flag.String("file", "", "Playbook YAML file to validate")
		builtins = flag.Bool("builtins", true, "Register built-in playbooks first, so versions must be newer")
	)
	flag.Parse()
	if *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -file playbooks.yaml [-builtins=false]\n", os.Args[0])
		os.Exit(2)
	}

	actions := remediation.NewRegistry()
	if err := remediation.RegisterDefaults(actions, remediation.Dependencies{Logger: logging.Discard()}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register actions: %v\n", err)
		os.Exit(1)
	}

	catalog := playbook.NewCatalog(logging.Discard())
	catalog.SetActionValidator(actions.Has)
	if *builtins {
		if err := catalog.RegisterBuiltIns(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register built-in playbooks: %v\n", err)
			os.Exit(1)
		}
	}

	n, err := catalog.LoadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *file, err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d playbook(s) valid\n", *file, n)
	for _, pb := range catalog.List() {
		fmt.Printf("  %-32s v%-3d %-8s %2d steps  est. %s\n", pb.ID, pb.Version, pb.AutomationLevel, len(pb.Steps), pb.EstimatedTime)
	}
}

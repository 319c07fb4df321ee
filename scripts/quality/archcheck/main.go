package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "tgmirror/"

// layerRule forbids packages under importer from importing anything under
// one of the forbidden prefixes. Prefixes are relative to the module path.
type layerRule struct {
	importer  string
	forbidden []string
}

// Core packages hold mirroring logic and reach the Telegram driver, the SQL
// store and the status API only through interfaces.
var rules = []layerRule{
	{importer: "pkg/mirror", forbidden: []string{"internal/"}},
	{importer: "internal/copier", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/engine", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/mapping", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/pipeline", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/ratelimit", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/topics", forbidden: []string{"internal/driver", "internal/store", "internal/statusapi"}},
	{importer: "internal/", forbidden: []string{"cmd/"}},
}

type goPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := loadPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "archcheck: %v\n", err)
		os.Exit(1)
	}

	violations := findViolations(packages)
	if len(violations) > 0 {
		fmt.Println("archcheck: layering violations:")
		for _, violation := range violations {
			fmt.Printf("  %s\n", violation)
		}
		os.Exit(1)
	}
	fmt.Println("archcheck: ok")
}

func loadPackages() ([]goPackage, error) {
	var out bytes.Buffer
	list := exec.Command("go", "list", "-json", "-test", "./...")
	list.Stdout = &out
	list.Stderr = os.Stderr
	if err := list.Run(); err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	var packages []goPackage
	decoder := json.NewDecoder(&out)
	for {
		var pkg goPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			return packages, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode package list: %w", err)
		}
		if pkg.ImportPath != "" {
			packages = append(packages, pkg)
		}
	}
}

func findViolations(packages []goPackage) []string {
	var violations []string
	for _, pkg := range packages {
		imports := slices.Concat(pkg.Imports, pkg.TestImports, pkg.XTestImports)
		for _, imported := range imports {
			if reason := violationReason(pkg.ImportPath, imported); reason != "" {
				violations = append(violations, fmt.Sprintf("%s imports %s: %s", pkg.ImportPath, imported, reason))
			}
		}
	}
	slices.Sort(violations)

	return slices.Compact(violations)
}

func violationReason(importer, imported string) string {
	for _, rule := range rules {
		if !strings.HasPrefix(importer, modulePrefix+rule.importer) {
			continue
		}
		for _, forbidden := range rule.forbidden {
			if strings.HasPrefix(imported, modulePrefix+forbidden) {
				return fmt.Sprintf("%s must not depend on %s", rule.importer, forbidden)
			}
		}
	}

	return ""
}

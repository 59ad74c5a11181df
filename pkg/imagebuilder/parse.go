package imagebuilder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/openwrt/update-server/pkg/api"
)

var (
	defaultPackagesPattern = regexp.MustCompile(`(?m)^Default Packages: (.+)$`)
	profilePattern         = regexp.MustCompile(`(.+):\n    (.+)\n    Packages: (.*)\n`)
	packageListPattern     = regexp.MustCompile(`(?m)^(\S+) - (\S+) - `)
	archPattern            = regexp.MustCompile(`CONFIG_TARGET_ARCH_PACKAGES="(.+)"`)

	placeholderPattern = regexp.MustCompile(`\{\{\s*(release|target|subtarget|pkg_arch)\s*\}\}`)
)

// parseInfo extracts the default package list and the device profiles from
// `make info` output.
func parseInfo(output string) (string, []api.Profile, error) {
	match := defaultPackagesPattern.FindStringSubmatch(output)
	if match == nil {
		return "", nil, errors.New("no default packages in make info output")
	}
	defaultPackages := strings.TrimSpace(match[1])

	var profiles []api.Profile
	for _, m := range profilePattern.FindAllStringSubmatch(output, -1) {
		profiles = append(profiles, api.Profile{
			Name:     strings.TrimSpace(m[1]),
			Model:    strings.TrimSpace(m[2]),
			Packages: strings.TrimSpace(m[3]),
		})
	}
	if len(profiles) == 0 {
		return "", nil, errors.New("no profiles in make info output")
	}
	return defaultPackages, profiles, nil
}

// parsePackageList extracts (name, version) pairs from `make package_list`
// output, skipping lines that are not package records.
func parsePackageList(output string) []api.PackageVersion {
	var packages []api.PackageVersion
	for _, m := range packageListPattern.FindAllStringSubmatch(output, -1) {
		packages = append(packages, api.PackageVersion{Name: m[1], Version: m[2]})
	}
	return packages
}

// parseConfigArch reads the package architecture out of the imagebuilder's
// .config file.
func parseConfigArch(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if match := archPattern.FindStringSubmatch(scanner.Text()); match != nil {
			return match[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no CONFIG_TARGET_ARCH_PACKAGES in %s", path)
}

// renderRepositories substitutes the placeholders of the repositories.conf
// template. Placeholders use {{ name }} syntax with optional whitespace.
func renderRepositories(template, release, target, subtarget, pkgArch string) string {
	values := map[string]string{
		"release":   release,
		"target":    target,
		"subtarget": subtarget,
		"pkg_arch":  pkgArch,
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(placeholder string) string {
		key := placeholderPattern.FindStringSubmatch(placeholder)[1]
		return values[key]
	})
}

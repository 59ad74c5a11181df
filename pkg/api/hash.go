package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Truncation lengths are part of the identity contract shared by the intake
// server, the workers and the upload endpoint. Changing one silently breaks
// deduplication across components.
const (
	RequestHashLen  = 12
	PackagesHashLen = 12
	ManifestHashLen = 15
	ImageHashLen    = 15
)

// ErrInvalidInput is returned when a fingerprint is requested over an
// incomplete identity tuple.
var ErrInvalidInput = errors.New("invalid hash input")

func digest(input string, length int) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:length]
}

// PackagesHash fingerprints a package list. The list is sorted before
// hashing so that equivalent requests with different package order map to
// the same hash.
func PackagesHash(packages []string) string {
	sorted := make([]string, len(packages))
	copy(sorted, packages)
	sort.Strings(sorted)
	return digest(strings.Join(sorted, " "), PackagesHashLen)
}

// RequestHash fingerprints the full request identity tuple. All fields but
// the network profile are required.
func RequestHash(distro, release, target, subtarget, profile, packagesHash, networkProfile string) (string, error) {
	for _, field := range []string{distro, release, target, subtarget, profile, packagesHash} {
		if field == "" {
			return "", fmt.Errorf("%w: incomplete request tuple", ErrInvalidInput)
		}
	}
	parts := []string{distro, release, target, subtarget, profile, packagesHash, networkProfile}
	return digest(strings.Join(parts, " "), RequestHashLen), nil
}

// ManifestHash fingerprints the raw bytes of a manifest file.
func ManifestHash(manifest []byte) (string, error) {
	if len(manifest) == 0 {
		return "", fmt.Errorf("%w: empty manifest", ErrInvalidInput)
	}
	sum := sha256.Sum256(manifest)
	return hex.EncodeToString(sum[:])[:ManifestHashLen], nil
}

// ImageHash fingerprints the identity tuple of a built image.
func ImageHash(distro, release, target, subtarget, profile, manifestHash, networkProfile string) (string, error) {
	for _, field := range []string{distro, release, target, subtarget, profile, manifestHash} {
		if field == "" {
			return "", fmt.Errorf("%w: incomplete image tuple", ErrInvalidInput)
		}
	}
	parts := []string{distro, release, target, subtarget, profile, manifestHash, networkProfile}
	return digest(strings.Join(parts, " "), ImageHashLen), nil
}

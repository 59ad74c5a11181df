// Package imagebuilder materialises prebuilt imagebuilder toolchains for a
// (distro, release, target, subtarget) and extracts their device profiles
// and package catalogues into the state store.
package imagebuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/storage"
)

// ToolchainDistro is the distribution the upstream imagebuilder archives are
// published as; distributions building on top of it reuse its toolchain and
// carry its token in the produced artifact names.
const ToolchainDistro = "lede"

// ErrProvision marks a failed provisioning attempt. The imagebuilder request
// stays in the queue so another worker may retry.
var ErrProvision = errors.New("imagebuilder provisioning failed")

// Provisioner downloads, extracts and initialises imagebuilder instances.
type Provisioner struct {
	log    *logrus.Entry
	cfg    config.Config
	store  *storage.Store
	client *retryablehttp.Client
}

// NewProvisioner returns a Provisioner backed by the given store.
func NewProvisioner(cfg config.Config, store *storage.Store) *Provisioner {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return &Provisioner{
		log:    logrus.WithField("component", "provisioner"),
		cfg:    cfg,
		store:  store,
		client: client,
	}
}

// Release returns the toolchain release used for a subtarget. Distributions
// that version independently of the upstream toolchain override it in the
// configuration.
func Release(cfg config.Config, key api.SubtargetKey) string {
	if distro, ok := cfg.Distro(key.Distro); ok && distro.ImagebuilderRelease != "" {
		return distro.ImagebuilderRelease
	}
	return key.Release
}

// name computes the archive/directory name of the imagebuilder. Some
// releases publish with the subtarget suffix elided.
func name(release, target, subtarget string, elideSubtarget bool) string {
	base := fmt.Sprintf("%s-imagebuilder-%s-%s", ToolchainDistro, release, target)
	if !elideSubtarget {
		base += "-" + subtarget
	}
	return base + ".Linux-x86_64"
}

func root(cfg config.Config, key api.SubtargetKey) string {
	return filepath.Join(cfg.ImagebuilderDir, key.Distro, key.Release, key.Target, key.Subtarget)
}

// Path locates an already provisioned imagebuilder tree for the subtarget,
// trying the fully-qualified directory name first, then the elided form.
func Path(cfg config.Config, key api.SubtargetKey) (string, error) {
	release := Release(cfg, key)
	for _, elide := range []bool{false, true} {
		path := filepath.Join(root(cfg, key), name(release, key.Target, key.Subtarget, elide))
		if _, err := os.Stat(filepath.Join(path, "Makefile")); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no imagebuilder found for %s", key)
}

// Provision makes the subtarget buildable: it downloads and extracts the
// toolchain if needed, installs the managed repository configuration and
// build rules, and refreshes the profile and package catalogues. Nothing is
// persisted when any step fails.
func (p *Provisioner) Provision(ctx context.Context, key api.SubtargetKey) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProvisionTimeout.Duration)
	defer cancel()
	log := p.log.WithField("subtarget", key.String())

	path, err := Path(p.cfg, key)
	if err != nil {
		log.Info("downloading imagebuilder")
		if path, err = p.download(ctx, key); err != nil {
			return errors.Wrapf(ErrProvision, "download: %v", err)
		}
	}
	log = log.WithField("imagebuilder", filepath.Base(path))

	pkgArch, err := parseConfigArch(filepath.Join(path, ".config"))
	if err != nil {
		return errors.Wrapf(ErrProvision, "package architecture: %v", err)
	}
	log.WithField("pkg_arch", pkgArch).Debug("found package architecture")

	if err := p.installRepositories(path, key, pkgArch); err != nil {
		return errors.Wrapf(ErrProvision, "repositories.conf: %v", err)
	}
	if err := p.installMakefile(path); err != nil {
		return errors.Wrapf(ErrProvision, "managed Makefile: %v", err)
	}

	info, err := p.make(ctx, path, "info")
	if err != nil {
		log.WithError(err).WithField("output", string(info)).Error("make info failed")
		return errors.Wrapf(ErrProvision, "make info: %v", err)
	}
	defaultPackages, profiles, err := parseInfo(string(info))
	if err != nil {
		return errors.Wrapf(ErrProvision, "parse profiles: %v", err)
	}
	if err := p.store.InsertProfiles(ctx, key, defaultPackages, profiles); err != nil {
		return errors.Wrapf(ErrProvision, "persist profiles: %v", err)
	}

	list, err := p.make(ctx, path, "package_list")
	if err != nil {
		log.WithError(err).WithField("output", string(list)).Error("make package_list failed")
		return errors.Wrapf(ErrProvision, "make package_list: %v", err)
	}
	packages := parsePackageList(string(list))
	if len(packages) == 0 {
		return errors.Wrap(ErrProvision, "empty package list")
	}
	if err := p.store.InsertPackagesAvailable(ctx, key, packages); err != nil {
		return errors.Wrapf(ErrProvision, "persist package list: %v", err)
	}
	if err := p.store.SetSupported(ctx, key, api.SupportSupported); err != nil {
		return errors.Wrapf(ErrProvision, "mark supported: %v", err)
	}

	log.Info("imagebuilder initialized")
	return nil
}

func (p *Provisioner) installRepositories(path string, key api.SubtargetKey, pkgArch string) error {
	template, err := os.ReadFile(p.cfg.RepositoriesTemplate)
	if err != nil {
		return err
	}
	rendered := renderRepositories(string(template), Release(p.cfg, key), key.Target, key.Subtarget, pkgArch)
	return os.WriteFile(filepath.Join(path, "repositories.conf"), []byte(rendered), 0644)
}

func (p *Provisioner) installMakefile(path string) error {
	managed, err := os.ReadFile(p.cfg.MakefilePath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "Makefile"), managed, 0644)
}

func (p *Provisioner) make(ctx context.Context, dir, target string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "make", target)
	cmd.Dir = dir
	p.log.WithField("args", cmd.Args).WithField("dir", dir).Debug("running make")
	return cmd.CombinedOutput()
}

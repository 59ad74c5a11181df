// Package storage is the single authority for all persistent entities of the
// build service: subtargets, package catalogues, profiles, the image request
// queue, imagebuilder provisioning requests, workers and their skills, and
// the image/manifest tables. Every exported operation runs as one
// transaction; the intake server and any number of workers coordinate purely
// through this store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
)

// Store wraps the backing database.
type Store struct {
	db  *sqlx.DB
	log *logrus.Entry
}

// Open connects to the SQLite database at path and ensures the schema
// exists. Claim transactions rely on _txlock=immediate so that two
// concurrent claimants serialise instead of both reading the same row.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate&_fk=1", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, log: logrus.WithField("component", "storage")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			s.log.WithError(rollbackErr).Error("failed to roll back transaction")
		}
		return err
	}
	return tx.Commit()
}

// Subtarget is one row of the subtargets table.
type Subtarget struct {
	ID          int64        `db:"id"`
	Distro      string       `db:"distro"`
	Release     string       `db:"release"`
	Target      string       `db:"target"`
	Subtarget   string       `db:"subtarget"`
	Supported   api.Support  `db:"supported"`
	PackageSync sql.NullTime `db:"package_sync"`
}

// Key returns the identity tuple of the subtarget.
func (st Subtarget) Key() api.SubtargetKey {
	return api.SubtargetKey{Distro: st.Distro, Release: st.Release, Target: st.Target, Subtarget: st.Subtarget}
}

// InsertRelease records a release for a distribution. Idempotent.
func (s *Store) InsertRelease(ctx context.Context, distro, release string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO releases (distro, release) VALUES (?, ?)`, distro, release)
	return err
}

// GetReleases returns all known releases of a distribution.
func (s *Store) GetReleases(ctx context.Context, distro string) ([]string, error) {
	var releases []string
	if err := s.db.SelectContext(ctx, &releases,
		`SELECT release FROM releases WHERE distro = ? ORDER BY release`, distro); err != nil {
		return nil, err
	}
	return releases, nil
}

// LatestRelease returns the newest known release of a distribution by
// version ordering. Releases that do not parse as versions (e.g. the
// rolling "snapshot") only win when no numbered release exists.
func (s *Store) LatestRelease(ctx context.Context, distro string) (string, error) {
	releases, err := s.GetReleases(ctx, distro)
	if err != nil {
		return "", err
	}
	if len(releases) == 0 {
		return "", fmt.Errorf("no releases known for distribution %q", distro)
	}
	var latest string
	var latestVersion *goversion.Version
	var unversioned []string
	for _, release := range releases {
		parsed, err := goversion.NewVersion(release)
		if err != nil {
			unversioned = append(unversioned, release)
			continue
		}
		if latestVersion == nil || parsed.GreaterThan(latestVersion) {
			latest, latestVersion = release, parsed
		}
	}
	if latest == "" {
		sort.Strings(unversioned)
		latest = unversioned[len(unversioned)-1]
	}
	return latest, nil
}

// InsertSubtargets records the subtargets of a (distro, release, target).
// Existing rows are left untouched.
func (s *Store) InsertSubtargets(ctx context.Context, distro, release, target string, subtargets []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, subtarget := range subtargets {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subtargets (distro, release, target, subtarget) VALUES (?, ?, ?, ?)`,
				distro, release, target, subtarget); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSubtarget looks up a subtarget row; nil when unknown.
func (s *Store) GetSubtarget(ctx context.Context, key api.SubtargetKey) (*Subtarget, error) {
	var st Subtarget
	err := s.db.GetContext(ctx, &st,
		`SELECT id, distro, release, target, subtarget, supported, package_sync FROM subtargets
		 WHERE distro = ? AND release = ? AND target = ? AND subtarget = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetSupported flips the tri-state supported flag of a subtarget.
func (s *Store) SetSupported(ctx context.Context, key api.SubtargetKey, supported api.Support) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtargets SET supported = ? WHERE distro = ? AND release = ? AND target = ? AND subtarget = ?`,
		supported, key.Distro, key.Release, key.Target, key.Subtarget)
	return err
}

// PackageSyncStale reports whether the subtarget's package catalogue is
// older than maxAge (or was never refreshed).
func (s *Store) PackageSyncStale(ctx context.Context, key api.SubtargetKey, maxAge time.Duration) (bool, error) {
	st, err := s.GetSubtarget(ctx, key)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, fmt.Errorf("unknown subtarget %s", key)
	}
	if !st.PackageSync.Valid {
		return true, nil
	}
	return st.PackageSync.Time.Before(time.Now().Add(-maxAge)), nil
}

func subtargetID(ctx context.Context, tx *sqlx.Tx, key api.SubtargetKey) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id,
		`SELECT id FROM subtargets WHERE distro = ? AND release = ? AND target = ? AND subtarget = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("unknown subtarget %s", key)
	}
	return id, err
}

// InsertPackagesAvailable rewrites the available-package catalogue of a
// subtarget in bulk and touches its package_sync timestamp. Nothing is
// persisted when any insert fails.
func (s *Store) InsertPackagesAvailable(ctx context.Context, key api.SubtargetKey, packages []api.PackageVersion) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := subtargetID(ctx, tx, key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM packages_available WHERE subtarget_id = ?`, id); err != nil {
			return err
		}
		for _, pkg := range packages {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO packages_available (subtarget_id, name, version) VALUES (?, ?, ?)`,
				id, pkg.Name, pkg.Version); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE subtargets SET package_sync = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// AvailablePackages returns the package catalogue of a subtarget as a
// name -> version map.
func (s *Store) AvailablePackages(ctx context.Context, key api.SubtargetKey) (map[string]string, error) {
	rows := []api.PackageVersion{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT pa.name AS name, pa.version AS version FROM packages_available pa
		 JOIN subtargets st ON st.id = pa.subtarget_id
		 WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget); err != nil {
		return nil, err
	}
	packages := make(map[string]string, len(rows))
	for _, row := range rows {
		packages[row.Name] = row.Version
	}
	return packages, nil
}

// InsertProfiles replaces the device profiles and the default package list
// of a subtarget in one transaction.
func (s *Store) InsertProfiles(ctx context.Context, key api.SubtargetKey, defaultPackages string, profiles []api.Profile) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := subtargetID(ctx, tx, key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO packages_default (subtarget_id, packages) VALUES (?, ?)`,
			id, defaultPackages); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE subtarget_id = ?`, id); err != nil {
			return err
		}
		for _, profile := range profiles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO profiles (subtarget_id, profile, model, packages) VALUES (?, ?, ?, ?)`,
				id, profile.Name, profile.Model, profile.Packages); err != nil {
				return err
			}
		}
		return nil
	})
}

// DefaultPackages returns the package list the imagebuilder installs with no
// customisation.
func (s *Store) DefaultPackages(ctx context.Context, key api.SubtargetKey) ([]string, error) {
	var packages string
	err := s.db.GetContext(ctx, &packages,
		`SELECT pd.packages FROM packages_default pd
		 JOIN subtargets st ON st.id = pd.subtarget_id
		 WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(packages), nil
}

// ResolveProfile canonicalises a submitted profile name: exact match first,
// then case-insensitive model label, then suffix wildcard. Empty string when
// nothing matches.
func (s *Store) ResolveProfile(ctx context.Context, key api.SubtargetKey, profile string) (string, error) {
	queries := []struct {
		sql string
		arg string
	}{
		{`SELECT p.profile FROM profiles p JOIN subtargets st ON st.id = p.subtarget_id
		  WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ? AND p.profile = ? LIMIT 1`, profile},
		{`SELECT p.profile FROM profiles p JOIN subtargets st ON st.id = p.subtarget_id
		  WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ? AND lower(p.model) = lower(?) LIMIT 1`, profile},
		{`SELECT p.profile FROM profiles p JOIN subtargets st ON st.id = p.subtarget_id
		  WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ? AND p.profile LIKE '%' || ? LIMIT 1`, profile},
	}
	for _, q := range queries {
		var resolved string
		err := s.db.GetContext(ctx, &resolved, q.sql, key.Distro, key.Release, key.Target, key.Subtarget, q.arg)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", err
		}
		return resolved, nil
	}
	return "", nil
}

// ProfilePackages returns the package set a profile installs by default:
// the subtarget's default packages plus the profile's own additions.
func (s *Store) ProfilePackages(ctx context.Context, key api.SubtargetKey, profile string) ([]string, error) {
	defaults, err := s.DefaultPackages(ctx, key)
	if err != nil {
		return nil, err
	}
	var profilePackages string
	err = s.db.GetContext(ctx, &profilePackages,
		`SELECT p.packages FROM profiles p JOIN subtargets st ON st.id = p.subtarget_id
		 WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ? AND p.profile = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget, profile)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	seen := map[string]bool{}
	var packages []string
	for _, pkg := range append(defaults, strings.Fields(profilePackages)...) {
		if !seen[pkg] {
			seen[pkg] = true
			packages = append(packages, pkg)
		}
	}
	return packages, nil
}

// EnsurePackagesHash stores the expanded package list under its
// content-addressed hash. Idempotent.
func (s *Store) EnsurePackagesHash(ctx context.Context, hash string, packages []string) error {
	sorted := make([]string, len(packages))
	copy(sorted, packages)
	sort.Strings(sorted)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO packages_hashes (hash, packages) VALUES (?, ?)`,
		hash, strings.Join(sorted, " "))
	return err
}

// GetPackagesByHash returns the package list stored under a packages hash.
func (s *Store) GetPackagesByHash(ctx context.Context, hash string) ([]string, error) {
	var packages string
	err := s.db.GetContext(ctx, &packages, `SELECT packages FROM packages_hashes WHERE hash = ?`, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(packages), nil
}

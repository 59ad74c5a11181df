package storage

import (
	"context"
	"database/sql"
	"path"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openwrt/update-server/pkg/api"
)

type imageRow struct {
	ID               int64     `db:"id"`
	ImageHash        string    `db:"image_hash"`
	Distro           string    `db:"distro"`
	Release          string    `db:"release"`
	Target           string    `db:"target"`
	Subtarget        string    `db:"subtarget"`
	Profile          string    `db:"profile"`
	ManifestHash     string    `db:"manifest_hash"`
	NetworkProfile   string    `db:"network_profile"`
	Checksum         string    `db:"checksum"`
	Filesize         int64     `db:"filesize"`
	BuildDate        time.Time `db:"build_date"`
	SysupgradeSuffix string    `db:"sysupgrade_suffix"`
	SubtargetInName  bool      `db:"subtarget_in_name"`
	ProfileInName    bool      `db:"profile_in_name"`
	Vanilla          bool      `db:"vanilla"`
}

func (row imageRow) toImage() *api.Image {
	return &api.Image{
		ID:        row.ID,
		ImageHash: row.ImageHash,
		SubtargetKey: api.SubtargetKey{
			Distro: row.Distro, Release: row.Release, Target: row.Target, Subtarget: row.Subtarget,
		},
		Profile:          row.Profile,
		ManifestHash:     row.ManifestHash,
		NetworkProfile:   row.NetworkProfile,
		Checksum:         row.Checksum,
		Filesize:         row.Filesize,
		BuildDate:        row.BuildDate,
		SysupgradeSuffix: row.SysupgradeSuffix,
		SubtargetInName:  row.SubtargetInName,
		ProfileInName:    row.ProfileInName,
		Vanilla:          row.Vanilla,
	}
}

const imageColumns = `id, image_hash, distro, release, target, subtarget, profile, manifest_hash,
	network_profile, checksum, filesize, build_date, sysupgrade_suffix,
	subtarget_in_name, profile_in_name, vanilla`

// AddImage records a built image; inserting the same image hash twice is a
// no-op. Returns the row id.
func (s *Store) AddImage(ctx context.Context, image api.Image) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO images
			 (image_hash, distro, release, target, subtarget, profile, manifest_hash, network_profile,
			  checksum, filesize, build_date, sysupgrade_suffix, subtarget_in_name, profile_in_name, vanilla)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			image.ImageHash, image.Distro, image.Release, image.Target, image.Subtarget,
			image.Profile, image.ManifestHash, image.NetworkProfile, image.Checksum, image.Filesize,
			image.BuildDate.UTC(), image.SysupgradeSuffix, image.SubtargetInName, image.ProfileInName,
			image.Vanilla); err != nil {
			return err
		}
		return tx.GetContext(ctx, &id, `SELECT id FROM images WHERE image_hash = ?`, image.ImageHash)
	})
	return id, err
}

// GetImage looks an image up by its hash; nil when unknown.
func (s *Store) GetImage(ctx context.Context, imageHash string) (*api.Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+imageColumns+` FROM images WHERE image_hash = ?`, imageHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toImage(), nil
}

// LookupImageByRequest resolves the image a finished request produced; nil
// while the build has not completed.
func (s *Store) LookupImageByRequest(ctx context.Context, requestHash string) (*api.Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT i.id AS id, i.image_hash AS image_hash, i.distro AS distro, i.release AS release,
		        i.target AS target, i.subtarget AS subtarget, i.profile AS profile,
		        i.manifest_hash AS manifest_hash, i.network_profile AS network_profile,
		        i.checksum AS checksum, i.filesize AS filesize, i.build_date AS build_date,
		        i.sysupgrade_suffix AS sysupgrade_suffix, i.subtarget_in_name AS subtarget_in_name,
		        i.profile_in_name AS profile_in_name, i.vanilla AS vanilla
		 FROM images i JOIN image_requests ir ON ir.image_hash = i.image_hash
		 WHERE ir.request_hash = ?`, requestHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toImage(), nil
}

// ImagePath returns the download-tree directory (relative to the download
// root) a request's artifacts are published under:
// <distro>/<release>/<target>/<subtarget>/<profile>[/<manifest_hash>].
// The manifest hash level is elided for vanilla images.
func (s *Store) ImagePath(ctx context.Context, requestHash string) (string, error) {
	image, err := s.LookupImageByRequest(ctx, requestHash)
	if err != nil {
		return "", err
	}
	if image == nil {
		return "", sql.ErrNoRows
	}
	segments := []string{image.Distro, image.Release, image.Target, image.Subtarget, image.Profile}
	if !image.Vanilla {
		segments = append(segments, image.ManifestHash)
	}
	return path.Join(segments...), nil
}

// AddManifest records a manifest hash; insert-if-absent. Returns the row id.
func (s *Store) AddManifest(ctx context.Context, manifestHash string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO manifests (hash) VALUES (?)`, manifestHash); err != nil {
			return err
		}
		return tx.GetContext(ctx, &id, `SELECT id FROM manifests WHERE hash = ?`, manifestHash)
	})
	return id, err
}

// AddManifestPackages rewrites the package rows of a manifest.
func (s *Store) AddManifestPackages(ctx context.Context, manifestHash string, packages []api.PackageVersion) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM manifest_packages WHERE manifest_hash = ?`, manifestHash); err != nil {
			return err
		}
		for _, pkg := range packages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO manifest_packages (manifest_hash, name, version) VALUES (?, ?, ?)`,
				manifestHash, pkg.Name, pkg.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetManifest returns the (package, version) rows of a manifest.
func (s *Store) GetManifest(ctx context.Context, manifestHash string) ([]api.PackageVersion, error) {
	var packages []api.PackageVersion
	err := s.db.SelectContext(ctx, &packages,
		`SELECT name, version FROM manifest_packages WHERE manifest_hash = ? ORDER BY name`, manifestHash)
	return packages, err
}

// ImagesCount reports how many distinct images have been built.
func (s *Store) ImagesCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM images`)
	return count, err
}

package storage

import (
	"context"

	"github.com/openwrt/update-server/pkg/api"
)

// GetDistros lists the distributions with at least one known release.
func (s *Store) GetDistros(ctx context.Context) ([]string, error) {
	var distros []string
	err := s.db.SelectContext(ctx, &distros,
		`SELECT DISTINCT distro FROM releases ORDER BY distro`)
	return distros, err
}

// GetModels searches the device profiles of a (distro, release) by model
// label substring.
func (s *Store) GetModels(ctx context.Context, distro, release, search string) ([]api.Profile, error) {
	var rows []struct {
		Profile  string `db:"profile"`
		Model    string `db:"model"`
		Packages string `db:"packages"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT p.profile, p.model, p.packages FROM profiles p
		 JOIN subtargets st ON st.id = p.subtarget_id
		 WHERE st.distro = ? AND st.release = ? AND p.model LIKE '%' || ? || '%'
		 ORDER BY p.model`, distro, release, search); err != nil {
		return nil, err
	}
	profiles := make([]api.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, api.Profile{Name: row.Profile, Model: row.Model, Packages: row.Packages})
	}
	return profiles, nil
}

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openwrt/update-server/pkg/api"
)

// RequestRow is the identity tuple inserted into the image request queue.
type RequestRow struct {
	RequestHash string
	api.SubtargetKey
	Profile        string
	PackagesHash   string
	NetworkProfile string
}

// FindOrInsertRequest deduplicates build requests by their fingerprint: when
// the request hash already exists its current status is returned, otherwise
// the row is inserted as "requested".
func (s *Store) FindOrInsertRequest(ctx context.Context, row RequestRow) (api.Status, error) {
	var status api.Status
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := tx.GetContext(ctx, &existing,
			`SELECT status FROM image_requests WHERE request_hash = ?`, row.RequestHash)
		if err == nil {
			status = api.Status(existing)
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO image_requests
			 (request_hash, distro, release, target, subtarget, profile, packages_hash, network_profile, status, created)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.RequestHash, row.Distro, row.Release, row.Target, row.Subtarget,
			row.Profile, row.PackagesHash, row.NetworkProfile, api.StatusRequested, time.Now().UTC()); err != nil {
			return err
		}
		status = api.StatusRequested
		return nil
	})
	return status, err
}

// RequestStatus returns the current status of a request; found is false for
// unknown hashes.
func (s *Store) RequestStatus(ctx context.Context, requestHash string) (api.Status, bool, error) {
	var status string
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM image_requests WHERE request_hash = ?`, requestHash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return api.Status(status), true, nil
}

// SetRequestStatus writes the status unconditionally; used for the terminal
// failure states and the created -> ready promotion.
func (s *Store) SetRequestStatus(ctx context.Context, requestHash string, status api.Status) error {
	s.log.WithField("request", requestHash).WithField("status", status).Info("setting request status")
	_, err := s.db.ExecContext(ctx,
		`UPDATE image_requests SET status = ? WHERE request_hash = ?`, status, requestHash)
	return err
}

// CompleteBuildJob marks a build as finished: status created plus the hash
// of the produced image.
func (s *Store) CompleteBuildJob(ctx context.Context, requestHash, imageHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE image_requests SET status = ?, image_hash = ? WHERE request_hash = ?`,
		api.StatusCreated, imageHash, requestHash)
	return err
}

// ClaimNextBuildJob atomically claims the oldest requested image request
// whose subtarget is within the given skill set, transitions it to
// "building" and returns it joined with the expanded package list. Nil when
// no work matches. Two concurrent calls never claim the same row.
func (s *Store) ClaimNextBuildJob(ctx context.Context, skills []api.SubtargetKey) (*api.BuildJob, error) {
	var job *api.BuildJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, skill := range skills {
			var row struct {
				ID             int64  `db:"id"`
				RequestHash    string `db:"request_hash"`
				Profile        string `db:"profile"`
				PackagesHash   string `db:"packages_hash"`
				NetworkProfile string `db:"network_profile"`
				Packages       string `db:"packages"`
			}
			err := tx.GetContext(ctx, &row,
				`SELECT ir.id, ir.request_hash, ir.profile, ir.packages_hash, ir.network_profile, ph.packages
				 FROM image_requests ir
				 JOIN packages_hashes ph ON ph.hash = ir.packages_hash
				 WHERE ir.status = ? AND ir.distro = ? AND ir.release = ? AND ir.target = ? AND ir.subtarget = ?
				 ORDER BY ir.id ASC LIMIT 1`,
				api.StatusRequested, skill.Distro, skill.Release, skill.Target, skill.Subtarget)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			result, err := tx.ExecContext(ctx,
				`UPDATE image_requests SET status = ? WHERE id = ? AND status = ?`,
				api.StatusBuilding, row.ID, api.StatusRequested)
			if err != nil {
				return err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if affected != 1 {
				// lost the race for this row; try the next skill
				continue
			}
			job = &api.BuildJob{
				ID:             row.ID,
				RequestHash:    row.RequestHash,
				SubtargetKey:   skill,
				Profile:        row.Profile,
				Packages:       strings.Fields(row.Packages),
				PackagesHash:   row.PackagesHash,
				NetworkProfile: row.NetworkProfile,
			}
			return nil
		}
		return nil
	})
	return job, err
}

// EnsureImagebuilder reports "ready" when a worker already holds the skill
// for the subtarget; otherwise it records a provisioning request
// (idempotent) and reports "requested".
func (s *Store) EnsureImagebuilder(ctx context.Context, key api.SubtargetKey) (api.Status, error) {
	var status api.Status
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM worker_skills ws
			 JOIN subtargets st ON st.id = ws.subtarget_id
			 WHERE st.distro = ? AND st.release = ? AND st.target = ? AND st.subtarget = ?`,
			key.Distro, key.Release, key.Target, key.Subtarget); err != nil {
			return err
		}
		if count > 0 {
			status = api.StatusReady
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO imagebuilder_requests (distro, release, target, subtarget) VALUES (?, ?, ?, ?)`,
			key.Distro, key.Release, key.Target, key.Subtarget); err != nil {
			return err
		}
		status = api.StatusRequested
		return nil
	})
	return status, err
}

// ClaimNextImagebuilderRequest atomically selects the oldest pending
// provisioning request and transitions it to "initialize". Nil when the
// queue is empty. At most one worker receives any given row.
func (s *Store) ClaimNextImagebuilderRequest(ctx context.Context) (*api.SubtargetKey, error) {
	var claimed *api.SubtargetKey
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			ID        int64  `db:"id"`
			Distro    string `db:"distro"`
			Release   string `db:"release"`
			Target    string `db:"target"`
			Subtarget string `db:"subtarget"`
		}
		err := tx.GetContext(ctx, &row,
			`SELECT id, distro, release, target, subtarget FROM imagebuilder_requests
			 WHERE status = 'requested' ORDER BY id ASC LIMIT 1`)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE imagebuilder_requests SET status = 'initialize' WHERE id = ? AND status = 'requested'`, row.ID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return nil
		}
		claimed = &api.SubtargetKey{Distro: row.Distro, Release: row.Release, Target: row.Target, Subtarget: row.Subtarget}
		return nil
	})
	return claimed, err
}

// ReleaseImagebuilderRequest puts a claimed provisioning request back into
// the queue after a failed provision so another worker may retry.
func (s *Store) ReleaseImagebuilderRequest(ctx context.Context, key api.SubtargetKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE imagebuilder_requests SET status = 'requested'
		 WHERE distro = ? AND release = ? AND target = ? AND subtarget = ?`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	return err
}

// RegisterSkill records that a worker can now build for the subtarget and
// removes the matching provisioning request, in one transaction. Idempotent
// under retry.
func (s *Store) RegisterSkill(ctx context.Context, workerID int64, key api.SubtargetKey, status string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := subtargetID(ctx, tx, key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO worker_skills (worker_id, subtarget_id, status) VALUES (?, ?, ?)`,
			workerID, id, status); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM imagebuilder_requests WHERE distro = ? AND release = ? AND target = ? AND subtarget = ?`,
			key.Distro, key.Release, key.Target, key.Subtarget)
		return err
	})
}

// StaleSubtarget returns a subtarget that has pending requests but no
// live skilled worker (heartbeat within staleAfter). Nil when none.
func (s *Store) StaleSubtarget(ctx context.Context, staleAfter time.Duration) (*api.SubtargetKey, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var row struct {
		Distro    string `db:"distro"`
		Release   string `db:"release"`
		Target    string `db:"target"`
		Subtarget string `db:"subtarget"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT ir.distro, ir.release, ir.target, ir.subtarget FROM image_requests ir
		 WHERE ir.status = ? AND NOT EXISTS (
			SELECT 1 FROM worker_skills ws
			JOIN subtargets st ON st.id = ws.subtarget_id
			JOIN workers w ON w.id = ws.worker_id
			WHERE st.distro = ir.distro AND st.release = ir.release
			  AND st.target = ir.target AND st.subtarget = ir.subtarget
			  AND w.heartbeat > ?
		 ) ORDER BY ir.id ASC LIMIT 1`,
		api.StatusRequested, cutoff)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &api.SubtargetKey{Distro: row.Distro, Release: row.Release, Target: row.Target, Subtarget: row.Subtarget}, nil
}

// PendingRequests counts queue rows that have not reached a terminal state.
func (s *Store) PendingRequests(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM image_requests WHERE status IN (?, ?, ?)`,
		api.StatusRequested, api.StatusBuilding, api.StatusCreated)
	return count, err
}

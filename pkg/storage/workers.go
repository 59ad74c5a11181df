package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/openwrt/update-server/pkg/api"
)

// Worker is one registered build worker.
type Worker struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Address   string    `db:"address"`
	PubKey    string    `db:"pubkey"`
	Heartbeat time.Time `db:"heartbeat"`
}

// RegisterWorker records a worker together with the public half of its
// signing keypair and returns its id.
func (s *Store) RegisterWorker(ctx context.Context, name, address, pubkey string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (name, address, pubkey, heartbeat) VALUES (?, ?, ?, ?)`,
		name, address, pubkey, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetWorker looks a worker up by id; nil when unknown.
func (s *Store) GetWorker(ctx context.Context, workerID int64) (*Worker, error) {
	var worker Worker
	err := s.db.GetContext(ctx, &worker,
		`SELECT id, name, address, pubkey, heartbeat FROM workers WHERE id = ?`, workerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, workerID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET heartbeat = ? WHERE id = ?`, time.Now().UTC(), workerID)
	return err
}

// DestroyWorker removes the worker; its skills cascade away with it.
func (s *Store) DestroyWorker(ctx context.Context, workerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID)
	return err
}

// WorkerSkills returns the subtargets the worker can currently serve.
func (s *Store) WorkerSkills(ctx context.Context, workerID int64) ([]api.SubtargetKey, error) {
	var rows []struct {
		Distro    string `db:"distro"`
		Release   string `db:"release"`
		Target    string `db:"target"`
		Subtarget string `db:"subtarget"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT st.distro, st.release, st.target, st.subtarget FROM worker_skills ws
		 JOIN subtargets st ON st.id = ws.subtarget_id
		 WHERE ws.worker_id = ? ORDER BY st.id`, workerID); err != nil {
		return nil, err
	}
	skills := make([]api.SubtargetKey, 0, len(rows))
	for _, row := range rows {
		skills = append(skills, api.SubtargetKey{
			Distro: row.Distro, Release: row.Release, Target: row.Target, Subtarget: row.Subtarget,
		})
	}
	return skills, nil
}

// ActiveWorkers counts workers whose heartbeat is fresher than staleAfter.
func (s *Store) ActiveWorkers(ctx context.Context, staleAfter time.Duration) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM workers WHERE heartbeat > ?`, time.Now().UTC().Add(-staleAfter))
	return count, err
}

// Package worker runs the build loop: it registers with the state store,
// claims image requests it has an imagebuilder for, provisions new
// imagebuilders when needed and uploads the signed results.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/imagebuilder"
	"github.com/openwrt/update-server/pkg/metrics"
	"github.com/openwrt/update-server/pkg/sign"
	"github.com/openwrt/update-server/pkg/storage"
)

// livenessWindow is how long a worker may miss heartbeats before its skills
// no longer count as serving a subtarget.
const livenessWindow = time.Minute

// Worker holds the state of one build loop instance.
type Worker struct {
	log         *logrus.Entry
	cfg         config.Config
	store       *storage.Store
	provisioner *imagebuilder.Provisioner
	signer      *sign.Signer
	publicKey   []byte
	client      *retryablehttp.Client

	id     int64
	skills []api.SubtargetKey
}

// New creates a worker, loading the usign keypair from the key directory or
// generating a fresh one on first start.
func New(cfg config.Config, store *storage.Store) (*Worker, error) {
	publicKey, signer, err := loadOrGenerateKeys(cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return &Worker{
		log:         logrus.WithField("component", "worker"),
		cfg:         cfg,
		store:       store,
		provisioner: imagebuilder.NewProvisioner(cfg, store),
		signer:      signer,
		publicKey:   publicKey,
		client:      client,
	}, nil
}

func loadOrGenerateKeys(keyDir string) ([]byte, *sign.Signer, error) {
	publicPath := filepath.Join(keyDir, "key.pub")
	secretPath := filepath.Join(keyDir, "key.sec")
	publicKey, pubErr := os.ReadFile(publicPath)
	secretKey, secErr := os.ReadFile(secretPath)
	if pubErr != nil || secErr != nil {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, nil, err
		}
		if publicKey, secretKey, err = sign.GenerateKeyPair(hostname); err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(keyDir, 0700); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(publicPath, publicKey, 0644); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(secretPath, secretKey, 0600); err != nil {
			return nil, nil, err
		}
	}
	signer, err := sign.NewSigner(secretKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load secret key")
	}
	return publicKey, signer, nil
}

// Run registers the worker and serves build and provisioning jobs until the
// context is cancelled, then deregisters.
func (w *Worker) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	w.id, err = w.store.RegisterWorker(ctx, hostname, "", string(w.publicKey))
	if err != nil {
		return errors.Wrap(err, "failed to register worker")
	}
	w.log = w.log.WithField("worker", w.id)
	w.log.Info("worker registered")

	defer func() {
		// The loop context is already cancelled at this point.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.store.DestroyWorker(shutdownCtx, w.id); err != nil {
			w.log.WithError(err).Error("failed to deregister worker")
		} else {
			w.log.Info("worker deregistered")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := w.serve(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Error("serve iteration failed")
		}
	}
}

// serve performs one loop iteration: a build if one is claimable, otherwise
// possibly a provisioning job, otherwise a heartbeat and a nap.
func (w *Worker) serve(ctx context.Context) error {
	job, err := w.store.ClaimNextBuildJob(ctx, w.skills)
	if err != nil {
		return errors.Wrap(err, "failed to claim build job")
	}
	if job != nil {
		log := w.log.WithField("request", job.RequestHash).WithField("subtarget", job.SubtargetKey.String())
		log.Info("starting build")
		start := time.Now()
		if err := w.build(ctx, job); err != nil {
			metrics.BuildsTotal.WithLabelValues("failure").Inc()
			log.WithError(err).Warn("build failed")
		} else {
			metrics.BuildsTotal.WithLabelValues("success").Inc()
			metrics.BuildDuration.WithLabelValues(job.Distro, job.Target).Observe(time.Since(start).Seconds())
			log.Info("build finished")
		}
		return nil
	}

	if w.cfg.MaxSkills == 0 || len(w.skills) < w.cfg.MaxSkills {
		if err := w.addSkill(ctx); err != nil {
			w.log.WithError(err).Error("failed to add skill")
		}
	}
	if err := w.store.Heartbeat(ctx, w.id); err != nil {
		return errors.Wrap(err, "heartbeat failed")
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.HeartbeatInterval.Duration):
	}
	return nil
}

// addSkill provisions an imagebuilder for a subtarget that needs one: first
// explicit imagebuilder requests, then subtargets with pending builds but no
// live worker serving them.
func (w *Worker) addSkill(ctx context.Context) error {
	key, err := w.store.ClaimNextImagebuilderRequest(ctx)
	if err != nil {
		return err
	}
	if key == nil {
		if key, err = w.store.StaleSubtarget(ctx, livenessWindow); err != nil {
			return err
		}
	}
	if key == nil {
		return nil
	}
	for _, skill := range w.skills {
		if skill == *key {
			// Already provisioned here; just record the skill.
			return w.store.RegisterSkill(ctx, w.id, *key, "ready")
		}
	}

	log := w.log.WithField("subtarget", key.String())
	log.Info("provisioning imagebuilder")
	if err := w.provisioner.Provision(ctx, *key); err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		if releaseErr := w.store.ReleaseImagebuilderRequest(ctx, *key); releaseErr != nil {
			log.WithError(releaseErr).Error("failed to release imagebuilder request")
		}
		return err
	}
	if err := w.store.RegisterSkill(ctx, w.id, *key, "ready"); err != nil {
		return err
	}
	w.skills = append(w.skills, *key)
	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	log.Info("skill registered")
	return nil
}

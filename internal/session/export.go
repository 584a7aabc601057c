package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Export keys.
const (
	KeyExportStatus       = "export_status"
	KeyExportProgress     = "export_progress"
	KeyRepositoryDatasets = "repository_datasets"
)

// Export statuses.
const (
	ExportIdle    = "idle"
	ExportPending = "pending"
	ExportSuccess = "success"
	ExportFail    = "fail"
)

const (
	exportProgressStep = 30
	exportFilesPerDir  = 100
	exportStagingDir   = "tmp"
)

var (
	// ErrNoRepository is returned by ExportDataset without a configured
	// repository.
	ErrNoRepository = errors.New("no export repository configured")
	// ErrExportRunning is returned while a previous export is running.
	ErrExportRunning = errors.New("an export is already running")

	errDatasetChanged = errors.New("dataset changed during export")
)

type exportJob struct {
	repo    string
	name    string
	dataset *dataset.Dataset
	chain   *transforms.Chain
	ids     []types.DatasetID
}

func validExportName(name string) error {
	if name == "" || name == "." || name == ".." || name == exportStagingDir ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid export name %q", name)
	}
	return nil
}

// ExportDataset writes the current transform applied to the working set,
// or to every image when full is set, into the repository as the COCO
// dataset name. It runs in the background and reports through
// export_status and export_progress.
func (s *Session) ExportDataset(name string, full bool) error {
	if err := validExportName(name); err != nil {
		return err
	}
	return s.do(func() error {
		repo := s.cfg.Datasets.Repository
		if repo == "" {
			return ErrNoRepository
		}
		if s.dataset == nil {
			return ErrNoDataset
		}
		if s.exportDone != nil {
			select {
			case <-s.exportDone:
			default:
				return ErrExportRunning
			}
		}

		job := exportJob{repo: repo, name: name, dataset: s.dataset, chain: s.chain}
		if full {
			job.ids = s.dataset.IDs()
		} else {
			ids, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
			job.ids = slices.Clone(ids)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.exportCancel, s.exportDone = cancel, done
		s.store.Update(map[string]any{
			KeyExportStatus:   ExportPending,
			KeyExportProgress: 0.0,
		})
		logger.Info("Export", "Exporting %d images as %s", len(job.ids), name)

		go func() {
			defer close(done)
			defer cancel()
			s.runExport(ctx, job)
		}()
		return nil
	})
}

func (s *Session) runExport(ctx context.Context, job exportJob) {
	status := ExportSuccess
	err := s.writeExport(ctx, job)
	switch {
	case err == nil:
		logger.Info("Export", "Exported %s to %s", job.name, filepath.Join(job.repo, job.name))
	case errors.Is(err, context.Canceled):
		status = ExportFail
		logger.Debug("Export", "Export of %s cancelled", job.name)
	default:
		status = ExportFail
		logger.Error("Export", "Export of %s failed: %v", job.name, err)
	}

	found, err := dataset.Discover(job.repo)
	if err != nil {
		logger.Warn("Export", "%v", err)
	}
	s.do(func() error {
		s.store.Update(map[string]any{
			KeyExportStatus:       status,
			KeyExportProgress:     1.0,
			KeyRepositoryDatasets: found,
		})
		return nil
	})
}

// writeExport fills a staging directory and swaps it in for the dataset
// directory once complete.
func (s *Session) writeExport(ctx context.Context, job exportJob) error {
	staging := filepath.Join(job.repo, exportStagingDir, job.name)
	target := filepath.Join(job.repo, job.name)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	files := make(map[types.DatasetID]string, len(job.ids))
	for i, id := range job.ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := s.renderForExport(job, id)
		if err != nil {
			return err
		}
		rel := filepath.Join(strconv.Itoa(i/exportFilesPerDir), exportFileName(id))
		if err := writeImage(filepath.Join(staging, rel), img); err != nil {
			return err
		}
		files[id] = rel

		if i%exportProgressStep == 0 {
			progress := float64(i) / float64(len(job.ids))
			s.do(func() error {
				s.store.Set(KeyExportProgress, progress)
				return nil
			})
		}
	}

	if err := job.dataset.WriteSubset(filepath.Join(staging, job.name+".json"), files); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("move export into place: %w", err)
	}
	return nil
}

func (s *Session) renderForExport(job exportJob, id types.DatasetID) (image.Image, error) {
	s.loop.Lock()
	defer s.loop.Unlock()
	if s.dataset != job.dataset {
		return nil, errDatasetChanged
	}
	return s.images.RenderTransformed(job.chain, id)
}

func exportFileName(id types.DatasetID) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(string(id)) + ".png"
}

func writeImage(path string, img image.Image) error {
	data, err := imageio.EncodePNG(img)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Session) cancelExportLocked() chan struct{} {
	if s.exportCancel != nil {
		s.exportCancel()
	}
	return s.exportDone
}

package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"listing-tracker/models"
	"listing-tracker/utils"
)

const (
	// MediaDir is the image folder inside the output dir
	MediaDir = "media"

	minImageBytes = 128
	maxImageBytes = 10 << 20
)

// MediaDownloader stores one image per listing under output_dir/media.
type MediaDownloader struct {
	client    *retryablehttp.Client
	outputDir string
	limiter   *rate.Limiter
	logger    *utils.Logger
}

// NewMediaDownloader creates a downloader issuing at most perSecond requests
// per second. Zero or less disables the limit.
func NewMediaDownloader(outputDir string, perSecond float64, logger *utils.Logger) *MediaDownloader {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	client.HTTPClient.Timeout = 20 * time.Second
	client.Logger = nil

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &MediaDownloader{
		client:    client,
		outputDir: outputDir,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Sync downloads missing images for the given listings and fills their
// image_file. Failures are logged and skipped. It returns the number of
// files written.
func (d *MediaDownloader) Sync(ctx context.Context, store models.TrackerStore, ids []string) int {
	if err := os.MkdirAll(filepath.Join(d.outputDir, MediaDir), 0755); err != nil {
		d.logger.Warn("[media] Cannot create media dir: %v", err)
		return 0
	}

	written := 0
	for _, id := range ids {
		entry, ok := store[id]
		if !ok || entry.Image == "" {
			continue
		}

		rel := filepath.ToSlash(filepath.Join(MediaDir, id+".jpg"))
		dst := filepath.Join(d.outputDir, rel)

		if _, err := os.Stat(dst); err != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return written
			}
			if err := d.download(ctx, entry.Image, dst); err != nil {
				d.logger.Debug("[media] %s: %v", id, err)
				continue
			}
			written++
		}

		if entry.ImageFile == "" {
			entry.ImageFile = rel
		}
	}

	if written > 0 {
		d.logger.Info("[media] Downloaded %d new images", written)
	}
	return written
}

func (d *MediaDownloader) download(ctx context.Context, url, dst string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) <= minImageBytes {
		return fmt.Errorf("get %s: body too small (%d bytes)", url, len(body))
	}

	return os.WriteFile(dst, body, 0644)
}

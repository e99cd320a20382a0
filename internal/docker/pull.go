package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/client"
)

// Progress is one throttled pull progress sample.
type Progress struct {
	Status   string  `json:"status"`
	Percent  float64 `json:"percent"`
	Current  int64   `json:"current"`
	Total    int64   `json:"total"`
	Complete bool    `json:"complete"`
}

// ProgressFunc receives throttled progress samples during an image pull.
type ProgressFunc func(Progress)

const (
	progressMinInterval = 500 * time.Millisecond
	progressMinDelta    = 5.0
)

// pullLine mirrors the JSON lines the engine emits on the pull stream.
type pullLine struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
	Error string `json:"error"`
}

// PullImage pulls an image, optionally streaming throttled progress samples
// to the callback. With a nil callback it simply waits for completion.
func (c *Client) PullImage(ctx context.Context, refStr string, progress ProgressFunc) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}
	if progress == nil {
		return resp.Wait(ctx)
	}
	defer resp.Close()
	if err := TrackPull(ctx, resp, progress); err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}
	return nil
}

// TrackPull decodes an engine pull stream and forwards aggregated progress.
// Samples are suppressed unless 500ms have passed since the last emit, the
// aggregate percentage moved by 5 points, or the status text changed. Layer
// totals only grow, so the reported percentage is monotonic per layer.
func TrackPull(ctx context.Context, r io.Reader, emit ProgressFunc) error {
	type layerProgress struct {
		current int64
		total   int64
	}
	layers := make(map[string]layerProgress)

	var (
		lastEmit    time.Time
		lastPercent float64
		lastStatus  string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var line pullLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return fmt.Errorf("engine reported: %s", line.Error)
		}

		if line.ID != "" && line.ProgressDetail.Total > 0 {
			lp := layers[line.ID]
			if line.ProgressDetail.Current > lp.current {
				lp.current = line.ProgressDetail.Current
			}
			if line.ProgressDetail.Total > lp.total {
				lp.total = line.ProgressDetail.Total
			}
			layers[line.ID] = lp
		}

		var current, total int64
		for _, lp := range layers {
			current += lp.current
			total += lp.total
		}
		percent := 0.0
		if total > 0 {
			percent = float64(current) / float64(total) * 100
		}
		if percent < lastPercent {
			percent = lastPercent
		}

		now := time.Now()
		statusChanged := line.Status != lastStatus
		if !statusChanged && now.Sub(lastEmit) < progressMinInterval && percent-lastPercent < progressMinDelta {
			continue
		}

		emit(Progress{
			Status:  line.Status,
			Percent: percent,
			Current: current,
			Total:   total,
		})
		lastEmit = now
		lastPercent = percent
		lastStatus = line.Status
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pull stream: %w", err)
	}

	emit(Progress{Status: "complete", Percent: 100, Complete: true})
	return nil
}

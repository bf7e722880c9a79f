package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Detector names as they appear in file task outcomes and reports.
const (
	NameReleasing    = "releasing"
	NameLateGreeting = "late_greeting"
	NameSemantic     = "semantic"
)

// Outcome is one detector's verdict on one recording.
type Outcome struct {
	Value      string
	Confidence float64
	Transcript string
}

// Detector produces one compliance signal from raw call audio. Local
// detectors are CPU-bound and sub-second; the remote detector suspends on an
// external transcription call.
type Detector interface {
	Name() string
	Analyze(ctx context.Context, audio []byte) (Outcome, error)
}

// Source resolves a file reference to audio bytes. References are local
// paths for downloaded batches or http(s) URLs for dialer-hosted recordings.
type Source func(ctx context.Context, fileRef string) ([]byte, error)

var fetchClient = &http.Client{Timeout: 60 * time.Second}

// FileSource reads local paths and fetches http(s) references.
func FileSource(ctx context.Context, fileRef string) ([]byte, error) {
	lower := strings.ToLower(fileRef)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileRef, nil)
		if err != nil {
			return nil, fmt.Errorf("build fetch request: %w", err)
		}
		resp, err := fetchClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch recording: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch recording: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	data, err := os.ReadFile(fileRef)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return data, nil
}

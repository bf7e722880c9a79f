package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"call-audit-go/internal/logger"
)

// ErrRateLimited is the provider's transient throttle. The batch engine
// retries it with backoff; every other remote failure is terminal for the
// attempt.
var ErrRateLimited = errors.New("transcription provider rate limited")

type publishResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		TranscriptionURL string `json:"TranscriptionURL"`
	} `json:"Data"`
	Reason string `json:"Reason,omitempty"`
}

type statusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		Status               string `json:"Status"` // Success, Queued, Processing, Failed
		TranscriptionTextURL string `json:"TranscriptionTextURL"`
	} `json:"Data"`
	Reason string `json:"Reason,omitempty"`
}

// Semantic uploads the raw call audio to the transcription provider, waits
// for the transcript, and scores it for rebuttal handling. This is the slow,
// quota-billed detector; callers gate it behind a quota reservation and an
// API concurrency slot.
type Semantic struct {
	Host         string
	PollInterval time.Duration
	client       *http.Client
	log          *logger.Logger
}

func NewSemantic() *Semantic {
	return &Semantic{
		Host:         os.Getenv("TRANSCRIBE_URL"),
		PollInterval: 1500 * time.Millisecond,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          logger.New().WithComponent("semantic"),
	}
}

func (s *Semantic) Name() string { return NameSemantic }

func (s *Semantic) Analyze(ctx context.Context, audio []byte) (Outcome, error) {
	if os.Getenv("USE_MOCK_TRANSCRIBE") == "true" {
		transcript := "MOCK TRANSCRIPT: agent asked do you have any other property you might want to sell."
		value, conf := scoreRebuttal(transcript)
		return Outcome{Value: value, Confidence: conf, Transcript: transcript}, nil
	}
	if s.Host == "" {
		return Outcome{}, errors.New("TRANSCRIBE_URL not set")
	}

	transcript, err := s.transcribe(ctx, audio)
	if err != nil {
		return Outcome{}, err
	}
	value, conf := scoreRebuttal(transcript)
	return Outcome{Value: value, Confidence: conf, Transcript: transcript}, nil
}

func (s *Semantic) transcribe(ctx context.Context, audio []byte) (string, error) {
	mediaID, existingURL, err := s.publish(ctx, audio)
	if err != nil {
		return "", err
	}
	if existingURL != "" {
		return s.download(ctx, existingURL)
	}
	finalURL, err := s.poll(ctx, mediaID)
	if err != nil {
		return "", err
	}
	s.log.WithField("final_url", finalURL).Debug("downloading transcript")
	return s.download(ctx, finalURL)
}

func (s *Semantic) publish(ctx context.Context, audio []byte) (string, string, error) {
	endpoint := strings.TrimRight(s.Host, "/") + "/transcribe"
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("audio", "call.wav")
	if err != nil {
		return "", "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", "", fmt.Errorf("build upload: %w", err)
	}
	w.WriteField("callType", "PNS")
	_ = w.Close()

	var resp publishResponse
	if err := s.doJSON(ctx, http.MethodPost, endpoint, w.FormDataContentType(), b.Bytes(), &resp); err != nil {
		return "", "", err
	}
	if resp.Code != 200 {
		return "", "", fmt.Errorf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason)
	}
	if resp.Data.TranscriptionURL != "" && strings.ToLower(resp.Data.Status) == "success" {
		return "", resp.Data.TranscriptionURL, nil
	}
	return resp.Data.MediaId, "", nil
}

func (s *Semantic) poll(ctx context.Context, mediaID string) (string, error) {
	base := strings.TrimRight(s.Host, "/") + "/getstatus"
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		u, _ := url.Parse(base)
		q := u.Query()
		q.Set("mediaId", mediaID)
		u.RawQuery = q.Encode()
		var st statusResponse
		if err := s.doJSON(ctx, http.MethodGet, u.String(), "", nil, &st); err != nil {
			if errors.Is(err, ErrRateLimited) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			continue
		}
		switch st.Data.Status {
		case "Success":
			return st.Data.TranscriptionTextURL, nil
		case "Queued", "Processing":
			continue
		case "Failed":
			return "", fmt.Errorf("transcription failed: %s", st.Reason)
		}
	}
}

func (s *Semantic) download(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("download failed: %s", string(b))
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b), nil
}

// doJSON retries transient server errors with exponential backoff. A 429 is
// surfaced immediately as ErrRateLimited so the engine's own retry policy
// owns the pacing.
func (s *Semantic) doJSON(ctx context.Context, method, rawURL, contentType string, body []byte, target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 12 * time.Second
	var lastErr error
	op := func() error {
		var payload io.Reader
		if body != nil {
			payload = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			return backoff.Permanent(lastErr)
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", string(body))
			return lastErr
		}
		if len(body) == 0 {
			lastErr = fmt.Errorf("empty body")
			return lastErr
		}
		if err := json.Unmarshal(body, target); err != nil {
			lastErr = fmt.Errorf("json decode error: %v body=%s", err, string(body))
			return lastErr
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// rebuttalPhrases are the compliance phrase groups agents are expected to
// attempt before ending a dead lead. Matching any group counts as a rebuttal.
var rebuttalPhrases = map[string][]string{
	"other_property": {
		"any other property",
		"any other properties",
		"do you have another property",
		"any other houses",
		"other real estate",
		"any additional properties",
	},
	"future_selling": {
		"selling in the future",
		"might sell later",
		"consider selling down the road",
		"interested in selling soon",
		"thinking of selling",
	},
	"referral": {
		"anyone you know",
		"friends or family",
		"someone who might be interested in selling",
	},
}

// scoreRebuttal returns "Yes" when the transcript shows at least one rebuttal
// attempt, with confidence proportional to how many phrase groups matched.
func scoreRebuttal(transcript string) (string, float64) {
	t := strings.ToLower(transcript)
	matched := 0
	for _, phrases := range rebuttalPhrases {
		for _, p := range phrases {
			if strings.Contains(t, p) {
				matched++
				break
			}
		}
	}
	if matched == 0 {
		return "No", 0.8
	}
	return "Yes", 0.6 + 0.4*float64(matched)/float64(len(rebuttalPhrases))
}

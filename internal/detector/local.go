package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

const (
	// voicedThreshold is the normalized RMS a 20ms frame must reach to count
	// as speech, matching the fixed energy gate used for agent-channel VAD.
	voicedThreshold = 0.0125

	// minVoicedFrames is the shortest run of voiced frames accepted as a
	// speech onset (filters clicks and line noise).
	minVoicedFrames = 2

	// frameDur is the VAD analysis window.
	frameDur = 20 * time.Millisecond
)

// agentSignal is what the local detectors need from a recording: the call
// duration and the first sustained speech onset on the agent channel.
type agentSignal struct {
	duration    time.Duration
	firstVoiced time.Duration
	voicedRatio float64
	hasVoice    bool
}

// analyzeAgentChannel decodes the recording and runs energy VAD on the agent
// side. Call-center recordings put the agent on the left channel; mono files
// are treated as agent-only.
func analyzeAgentChannel(data []byte) (agentSignal, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return analyzeRawPCM(data)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return agentSignal{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || len(buf.Data) == 0 {
		return agentSignal{}, fmt.Errorf("empty wav payload")
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	rate := buf.Format.SampleRate
	norm := float64(int(1) << (uint(dec.BitDepth) - 1))
	if norm <= 0 {
		norm = 1 << 15
	}

	frameLen := rate * int(frameDur.Milliseconds()) / 1000
	if frameLen < 1 {
		frameLen = 1
	}

	// left channel only: samples are interleaved
	total := len(buf.Data) / channels
	sig := agentSignal{
		duration: time.Duration(total) * time.Second / time.Duration(rate),
	}

	voicedRun := 0
	voicedFrames := 0
	frames := 0
	for start := 0; start < total; start += frameLen {
		end := min(start+frameLen, total)
		var sum float64
		for i := start; i < end; i++ {
			s := float64(buf.Data[i*channels]) / norm
			sum += s * s
		}
		rms := 0.0
		if end > start {
			rms = sum / float64(end-start)
		}
		frames++
		if rms > voicedThreshold*voicedThreshold {
			voicedFrames++
			voicedRun++
			if voicedRun == minVoicedFrames && !sig.hasVoice {
				onset := start - (minVoicedFrames-1)*frameLen
				if onset < 0 {
					onset = 0
				}
				sig.hasVoice = true
				sig.firstVoiced = time.Duration(onset) * time.Second / time.Duration(rate)
			}
		} else {
			voicedRun = 0
		}
	}
	if frames > 0 {
		sig.voicedRatio = float64(voicedFrames) / float64(frames)
	}
	return sig, nil
}

// fallbackRate is assumed for headerless payloads; dialer exports sometimes
// strip the RIFF header from otherwise plain telephony PCM.
const fallbackRate = 8000

// analyzeRawPCM runs the same energy VAD over a payload interpreted as 16-bit
// little-endian mono PCM.
func analyzeRawPCM(data []byte) (agentSignal, error) {
	total := len(data) / 2
	if total < 1 {
		return agentSignal{}, fmt.Errorf("empty recording payload")
	}
	const norm = float64(1 << 15)
	frameLen := fallbackRate * int(frameDur.Milliseconds()) / 1000

	sig := agentSignal{
		duration: time.Duration(total) * time.Second / time.Duration(fallbackRate),
	}
	voicedRun := 0
	voicedFrames := 0
	frames := 0
	for start := 0; start < total; start += frameLen {
		end := min(start+frameLen, total)
		var sum float64
		for i := start; i < end; i++ {
			s := float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / norm
			sum += s * s
		}
		rms := sum / float64(end-start)
		frames++
		if rms > voicedThreshold*voicedThreshold {
			voicedFrames++
			voicedRun++
			if voicedRun == minVoicedFrames && !sig.hasVoice {
				onset := max(start-(minVoicedFrames-1)*frameLen, 0)
				sig.hasVoice = true
				sig.firstVoiced = time.Duration(onset) * time.Second / time.Duration(fallbackRate)
			}
		} else {
			voicedRun = 0
		}
	}
	if frames > 0 {
		sig.voicedRatio = float64(voicedFrames) / float64(frames)
	}
	return sig, nil
}

// Releasing flags calls where the agent channel never produces speech: the
// agent picked up and dropped the lead without a word.
type Releasing struct {
	// MinCallDuration guards against judging calls too short to matter.
	MinCallDuration time.Duration
}

func NewReleasing() *Releasing {
	return &Releasing{MinCallDuration: 5 * time.Second}
}

func (d *Releasing) Name() string { return NameReleasing }

func (d *Releasing) Analyze(_ context.Context, audio []byte) (Outcome, error) {
	sig, err := analyzeAgentChannel(audio)
	if err != nil {
		return Outcome{}, err
	}
	if sig.duration < d.MinCallDuration {
		return Outcome{Value: "No", Confidence: 0.5}, nil
	}
	if !sig.hasVoice {
		return Outcome{Value: "Yes", Confidence: 1 - sig.voicedRatio}, nil
	}
	return Outcome{Value: "No", Confidence: 0.5 + sig.voicedRatio/2}, nil
}

// LateGreeting flags calls where the agent's first words land after the
// greeting window has passed.
type LateGreeting struct {
	Threshold time.Duration
}

func NewLateGreeting() *LateGreeting {
	return &LateGreeting{Threshold: 5 * time.Second}
}

func (d *LateGreeting) Name() string { return NameLateGreeting }

func (d *LateGreeting) Analyze(_ context.Context, audio []byte) (Outcome, error) {
	sig, err := analyzeAgentChannel(audio)
	if err != nil {
		return Outcome{}, err
	}
	// silent agent channels are the releasing detector's verdict, not ours
	if !sig.hasVoice {
		return Outcome{Value: "No", Confidence: 0.5}, nil
	}
	if sig.firstVoiced > d.Threshold {
		return Outcome{Value: "Yes", Confidence: 0.9}, nil
	}
	return Outcome{Value: "No", Confidence: 0.9}, nil
}

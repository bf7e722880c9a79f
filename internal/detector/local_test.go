package detector

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const synthRate = 8000

// synthCall renders a stereo 16-bit recording with the agent on the left
// channel. The agent speaks a 440Hz tone from agentOnset for agentSpeech;
// the caller, when present, hums on the right channel throughout.
func synthCall(t *testing.T, total, agentOnset, agentSpeech time.Duration, callerTalks bool) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "call.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	n := int(total.Seconds() * synthRate)
	start := int(agentOnset.Seconds() * synthRate)
	end := start + int(agentSpeech.Seconds()*synthRate)

	data := make([]int, n*2)
	for i := 0; i < n; i++ {
		if agentSpeech > 0 && i >= start && i < end {
			data[i*2] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/synthRate))
		}
		if callerTalks {
			data[i*2+1] = int(8000 * math.Sin(2*math.Pi*300*float64(i)/synthRate))
		}
	}

	enc := wav.NewEncoder(f, synthRate, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: synthRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func TestReleasingFlagsSilentAgent(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 6*time.Second, 0, 0, true)

	out, err := NewReleasing().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "Yes", out.Value)
	assert.Greater(t, out.Confidence, 0.5)
}

func TestReleasingIgnoresShortCalls(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 3*time.Second, 0, 0, true)

	out, err := NewReleasing().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "No", out.Value)
}

func TestReleasingClearsTalkingAgent(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 8*time.Second, time.Second, 4*time.Second, true)

	out, err := NewReleasing().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "No", out.Value)
}

func TestReleasingReadsAgentChannelOnly(t *testing.T) {
	t.Parallel()
	// caller talks the whole call, agent never does
	raw := synthCall(t, 7*time.Second, 0, 0, true)

	out, err := NewReleasing().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "Yes", out.Value, "caller-channel speech must not mask a silent agent")
}

func TestLateGreetingPromptAgent(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 10*time.Second, time.Second, 3*time.Second, false)

	out, err := NewLateGreeting().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "No", out.Value)
}

func TestLateGreetingFlagsDelayedOnset(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 12*time.Second, 7*time.Second, 3*time.Second, false)

	out, err := NewLateGreeting().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "Yes", out.Value)
}

func TestLateGreetingDefersOnSilentAgent(t *testing.T) {
	t.Parallel()
	raw := synthCall(t, 10*time.Second, 0, 0, true)

	out, err := NewLateGreeting().Analyze(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "No", out.Value, "a fully silent agent is a releasing verdict, not a late greeting")
}

// synthRawPCM renders headerless 16-bit little-endian mono audio at the
// fallback rate, voiced from onset for speech.
func synthRawPCM(total, onset, speech time.Duration) []byte {
	n := int(total.Seconds() * fallbackRate)
	start := int(onset.Seconds() * fallbackRate)
	end := start + int(speech.Seconds()*fallbackRate)
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		var v int16
		if speech > 0 && i >= start && i < end {
			v = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/fallbackRate))
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return raw
}

func TestHeaderlessPayloadFallsBackToRawPCM(t *testing.T) {
	t.Parallel()

	silent := synthRawPCM(6*time.Second, 0, 0)
	out, err := NewReleasing().Analyze(context.Background(), silent)
	require.NoError(t, err)
	assert.Equal(t, "Yes", out.Value)

	late := synthRawPCM(12*time.Second, 7*time.Second, 3*time.Second)
	out, err = NewLateGreeting().Analyze(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, "Yes", out.Value)
}

func TestAnalyzeRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	_, err := NewReleasing().Analyze(context.Background(), nil)
	require.Error(t, err)

	_, err = NewLateGreeting().Analyze(context.Background(), []byte{0x1})
	require.Error(t, err)
}

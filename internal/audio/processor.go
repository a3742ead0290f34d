package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"layeh.com/gopus"

	"github.com/quillon/liveagent/internal/config"
)

// Processor converts between the representations session audio passes
// through: raw 16-bit signed little-endian mono PCM, normalized float32
// device samples, base64 wire payloads, and Opus frames for the
// transcription uplink.
type Processor interface {
	// Convert PCM to normalized float32 samples for the output device
	PCMToFloat32(pcm []byte) ([]float32, error)

	// Convert normalized float32 samples back to PCM, clamping to int16 range
	Float32ToPCM(samples []float32) []byte

	// Convert PCM to base64 for outbound envelopes
	PCMToBase64(pcm []byte) (string, error)

	// Convert base64 payloads from inbound envelopes to raw PCM
	Base64ToPCM(encoded string) ([]byte, error)

	// Encode one 20ms PCM frame to Opus for the transcription uplink
	PCMToOpus(pcm []byte) ([]byte, error)

	// Decode an Opus frame back to PCM
	OpusToPCM(opusData []byte) ([]byte, error)

	// Resample PCM between sample rates using linear interpolation
	Resample(pcm []byte, fromRate, toRate int) ([]byte, error)

	// Detect silence in a PCM chunk; returns isSilent, energyLevel
	DetectSilence(pcm []byte) (bool, float32)

	// Cleanup codec resources; conversions fail afterwards
	Close() error
}

const (
	// 16-bit mono PCM frame math
	BytesPerSample = 2

	// Opus framing for the transcription uplink
	OpusFrameMs  = 20
	opusChannels = 1
	opusBitrate  = 32000

	// Conservative buffer size for Opus output
	maxOpusFrameLen = 4000

	// Inbound chunk validation bounds
	MinChunkDurationMs = 10
	MaxChunkDurationMs = 5000

	// Silence detection bounds
	MinimumSilenceThreshold = 0.005 // prevents over-sensitivity
	MaximumSilenceThreshold = 0.1   // ensures responsiveness
)

// ErrProcessorClosed is returned by conversions invoked after Close.
var ErrProcessorClosed = errors.New("audio processor closed")

type processor struct {
	logger *zap.Logger

	inputRate  int
	outputRate int
	threshold  float32

	// Opus codecs, created on first use at the capture sample rate
	mu          sync.RWMutex
	closed      bool
	opusEncoder *gopus.Encoder
	opusDecoder *gopus.Decoder
}

func NewProcessor(logger *zap.Logger, cfg *config.Config) (Processor, error) {
	// Ensure the configured threshold stays within reasonable bounds
	threshold := max(MinimumSilenceThreshold, min(MaximumSilenceThreshold, cfg.Audio.SilenceThreshold))

	p := &processor{
		logger:     logger,
		inputRate:  cfg.Session.InputSampleRate,
		outputRate: cfg.Session.OutputSampleRate,
		threshold:  threshold,
	}

	logger.Info("Audio processor initialized",
		zap.Int("input_sample_rate", p.inputRate),
		zap.Int("output_sample_rate", p.outputRate),
		zap.Float32("silence_threshold", threshold))

	return p, nil
}

func (p *processor) PCMToFloat32(pcm []byte) ([]float32, error) {
	if p.isClosed() {
		return nil, ErrProcessorClosed
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("invalid PCM data: length (%d) is not a multiple of %d bytes (16-bit samples)", len(pcm), BytesPerSample)
	}

	samples := make([]float32, len(pcm)/BytesPerSample)
	for i := range samples {
		sample := int16(pcm[i*2]) | (int16(pcm[i*2+1]) << 8)
		samples[i] = float32(sample) / 32768.0 // Normalize to [-1, 1]
	}

	return samples, nil
}

func (p *processor) Float32ToPCM(samples []float32) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)

	for i, sample := range samples {
		scaled := sample * 32768.0
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		s := int16(scaled)
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}

	return pcm
}

func (p *processor) PCMToBase64(pcm []byte) (string, error) {
	if p.isClosed() {
		return "", ErrProcessorClosed
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("empty PCM data")
	}

	encoded := base64.StdEncoding.EncodeToString(pcm)

	p.logger.Debug("Converted PCM to base64",
		zap.Int("pcm_size", len(pcm)),
		zap.Int("base64_size", len(encoded)))

	return encoded, nil
}

func (p *processor) Base64ToPCM(encoded string) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrProcessorClosed
	}
	if encoded == "" {
		return nil, fmt.Errorf("empty base64 audio data")
	}

	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}

	// Inbound chunks play at the negotiated output rate
	if err := p.validatePCM(pcm, p.outputRate); err != nil {
		return nil, fmt.Errorf("PCM format validation failed: %w", err)
	}

	p.logger.Debug("Converted base64 to PCM",
		zap.Int("base64_size", len(encoded)),
		zap.Int("pcm_size", len(pcm)))

	return pcm, nil
}

func (p *processor) PCMToOpus(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("invalid PCM data: length (%d) is not a multiple of %d bytes (16-bit samples)", len(pcm), BytesPerSample)
	}

	encoder, err := p.encoder()
	if err != nil {
		return nil, err
	}

	samples := bytesToInt16(pcm)

	// The uplink expects exact 20ms frames; pad or truncate to one frame
	frame := make([]int16, p.opusFrameSamples())
	copied := copy(frame, samples)
	if copied != len(samples) || copied != len(frame) {
		p.logger.Debug("Normalized audio to 20ms opus frame",
			zap.Int("input_samples", len(samples)),
			zap.Int("frame_samples", len(frame)))
	}

	opusData, err := encoder.Encode(frame, len(frame), maxOpusFrameLen)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PCM to opus: %w", err)
	}

	p.logger.Debug("Converted PCM to Opus",
		zap.Int("pcm_input_size", len(pcm)),
		zap.Int("frame_samples", len(frame)),
		zap.Int("opus_output_size", len(opusData)))

	return opusData, nil
}

func (p *processor) OpusToPCM(opusData []byte) ([]byte, error) {
	if len(opusData) == 0 {
		return nil, fmt.Errorf("empty opus data")
	}

	decoder, err := p.decoder()
	if err != nil {
		return nil, err
	}

	samples, err := decoder.Decode(opusData, p.opusFrameSamples(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus data: %w", err)
	}

	pcm := int16ToBytes(samples)

	p.logger.Debug("Converted Opus to PCM",
		zap.Int("opus_input_size", len(opusData)),
		zap.Int("pcm_samples", len(samples)),
		zap.Int("pcm_output_bytes", len(pcm)))

	return pcm, nil
}

func (p *processor) Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrProcessorClosed
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", fromRate, toRate)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("invalid PCM data: length (%d) is not a multiple of %d bytes (16-bit samples)", len(pcm), BytesPerSample)
	}

	if fromRate == toRate || len(pcm) == 0 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	input := bytesToInt16(pcm)
	outputLen := int(int64(len(input)) * int64(toRate) / int64(fromRate))
	if outputLen == 0 {
		return []byte{}, nil
	}

	// Linear interpolation between neighboring source samples
	output := make([]int16, outputLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range output {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(input[idx])
		b := float64(input[idx+1])
		output[i] = int16(a + (b-a)*frac)
	}

	p.logger.Debug("Resampled PCM",
		zap.Int("from_rate", fromRate),
		zap.Int("to_rate", toRate),
		zap.Int("input_samples", len(input)),
		zap.Int("output_samples", len(output)))

	return int16ToBytes(output), nil
}

func (p *processor) DetectSilence(pcm []byte) (bool, float32) {
	if len(pcm) == 0 {
		return true, 0.0
	}

	energy := rmsEnergy(pcm)
	return energy < p.threshold, energy
}

func (p *processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// gopus doesn't require explicit cleanup
	p.opusEncoder = nil
	p.opusDecoder = nil

	p.logger.Info("Audio processor closed")
	return nil
}

func (p *processor) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// opusFrameSamples returns the sample count of one 20ms frame at the
// capture sample rate.
func (p *processor) opusFrameSamples() int {
	return p.inputRate * OpusFrameMs / 1000
}

func (p *processor) encoder() (*gopus.Encoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProcessorClosed
	}
	if p.opusEncoder == nil {
		enc, err := gopus.NewEncoder(p.inputRate, opusChannels, gopus.Voip)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus encoder: %w", err)
		}
		enc.SetBitrate(opusBitrate)
		p.opusEncoder = enc
	}

	return p.opusEncoder, nil
}

func (p *processor) decoder() (*gopus.Decoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProcessorClosed
	}
	if p.opusDecoder == nil {
		dec, err := gopus.NewDecoder(p.inputRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus decoder: %w", err)
		}
		p.opusDecoder = dec
	}

	return p.opusDecoder, nil
}

// validatePCM checks that a decoded chunk is plausible 16-bit audio at the
// given sample rate.
func (p *processor) validatePCM(pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return fmt.Errorf("empty PCM data")
	}
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("invalid PCM data: length (%d) is not a multiple of %d bytes (16-bit samples)", len(pcm), BytesPerSample)
	}

	numSamples := len(pcm) / BytesPerSample
	durationMs := float64(numSamples) / float64(sampleRate) * 1000.0

	if durationMs < MinChunkDurationMs {
		p.logger.Warn("Very short audio chunk detected",
			zap.Float64("duration_ms", durationMs),
			zap.Int("samples", numSamples))
	}

	if durationMs > MaxChunkDurationMs {
		return fmt.Errorf("audio chunk too long: %.1f ms (max %d ms)", durationMs, MaxChunkDurationMs)
	}

	return nil
}

// Helper functions

// bytesToInt16 converts a byte array to int16 samples (little-endian).
func bytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | (int16(pcm[i*2+1]) << 8)
	}
	return samples
}

// int16ToBytes converts int16 samples to a byte array (little-endian).
func int16ToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		pcm[i*2] = byte(sample & 0xFF)
		pcm[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return pcm
}

// rmsEnergy calculates the RMS energy of 16-bit PCM normalized to [0, 1].
func rmsEnergy(pcm []byte) float32 {
	if len(pcm) < BytesPerSample {
		return 0.0
	}

	var sum float64
	sampleCount := len(pcm) / BytesPerSample
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		sample := int16(pcm[i]) | (int16(pcm[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return float32(math.Sqrt(sum / float64(sampleCount)))
}

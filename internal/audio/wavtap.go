package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// Stream names recorded by the debug tap.
const (
	TapPlayed   = "played"
	TapCaptured = "captured"
)

// WAVTap dumps session PCM to per-stream WAV files when audio.debug_dir is
// configured. Taps never fail the audio path; faults are logged and the
// affected stream stops recording.
type WAVTap struct {
	logger *zap.Logger
	dir    string

	mu      sync.Mutex
	closed  bool
	writers map[string]*wavWriter
}

type wavWriter struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
}

func NewWAVTap(logger *zap.Logger, cfg *config.Config) *WAVTap {
	return &WAVTap{
		logger:  logger,
		dir:     cfg.Audio.DebugDir,
		writers: make(map[string]*wavWriter),
	}
}

// Enabled reports whether a debug directory is configured.
func (t *WAVTap) Enabled() bool {
	return t.dir != ""
}

// Write appends PCM to the WAV file backing the named stream, creating the
// file on first use. The sample rate is fixed by the first write.
func (t *WAVTap) Write(stream string, pcm []byte, sampleRate int) {
	if !t.Enabled() || len(pcm) < BytesPerSample {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	w, ok := t.writers[stream]
	if !ok {
		var err error
		w, err = t.newWriter(stream, sampleRate)
		if err != nil {
			t.logger.Warn("Failed to create debug WAV file",
				zap.String("stream", stream),
				zap.Error(err))
			return
		}
		t.writers[stream] = w
	}

	samples := bytesToInt16(pcm)
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}

	if err := w.encoder.Write(w.buf); err != nil {
		t.logger.Warn("Failed to write debug WAV data",
			zap.String("stream", stream),
			zap.Error(err))
		t.closeWriter(stream, w)
		delete(t.writers, stream)
	}
}

// Close finalizes every open WAV file. Idempotent.
func (t *WAVTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for stream, w := range t.writers {
		t.closeWriter(stream, w)
	}
	t.writers = nil

	return nil
}

func (t *WAVTap) newWriter(stream string, sampleRate int) (*wavWriter, error) {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug dir: %w", err)
	}

	filename := filepath.Join(t.dir,
		fmt.Sprintf("%s_%s.wav", stream, time.Now().Format("20060102_150405")))

	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	encoder := wav.NewEncoder(file, sampleRate, 16, 1, 1)

	t.logger.Info("Recording debug WAV",
		zap.String("stream", stream),
		zap.String("file", filename),
		zap.Int("sample_rate", sampleRate))

	return &wavWriter{
		file:    file,
		encoder: encoder,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// closeWriter finalizes the WAV header before releasing the file handle.
func (t *WAVTap) closeWriter(stream string, w *wavWriter) {
	if err := w.encoder.Close(); err != nil {
		t.logger.Warn("Failed to finalize debug WAV",
			zap.String("stream", stream),
			zap.Error(err))
	}
	if err := w.file.Close(); err != nil {
		t.logger.Warn("Failed to close debug WAV file",
			zap.String("stream", stream),
			zap.Error(err))
	}
	t.logger.Info("Debug WAV closed", zap.String("stream", stream))
}

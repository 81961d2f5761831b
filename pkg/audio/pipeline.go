package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Pipeline turns captured float32 audio into fixed-size int16 frames at the
// output rate: resampling, buffering, format conversion
type Pipeline struct {
	inputSampleRate  int // Capture rate
	outputSampleRate int // Encoder rate (48000 for Opus)
	logger           *slog.Logger
	resampler        *Resampler
	chunks           *ChunkBuffer
}

// NewPipeline creates a new audio pipeline producing frameDurationMs frames
func NewPipeline(inputSampleRate, outputSampleRate, frameDurationMs int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Validate sample rates
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputSampleRate, outputSampleRate)
	}
	if frameDurationMs <= 0 {
		return nil, fmt.Errorf("invalid frame duration: %dms", frameDurationMs)
	}

	if inputSampleRate == outputSampleRate {
		logger.Debug("input and output sample rates are equal, no resampling needed",
			"sample_rate", inputSampleRate)
	}

	resampler, err := NewResampler(inputSampleRate, outputSampleRate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &Pipeline{
		inputSampleRate:  inputSampleRate,
		outputSampleRate: outputSampleRate,
		logger:           logger,
		resampler:        resampler,
		chunks:           NewChunkBuffer(outputSampleRate, frameDurationMs, logger),
	}, nil
}

// FrameSize returns the number of samples in each output frame
func (p *Pipeline) FrameSize() int {
	return p.chunks.chunkSize
}

// Process resamples a captured frame and returns every complete int16 frame
// that is now available. Leftover samples stay buffered for the next call.
func (p *Pipeline) Process(frame []float32) ([][]int16, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	resampled := frame
	if p.inputSampleRate != p.outputSampleRate {
		var err error
		resampled, err = p.resampler.Resample(frame)
		if err != nil {
			return nil, fmt.Errorf("resampling failed: %w", err)
		}
	}

	chunks := p.chunks.Add(resampled)
	out := make([][]int16, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, float32ToInt16(c))
	}
	return out, nil
}

// float32ToInt16 converts float32 [-1.0, 1.0] to int16 PCM, clamping out of range values
func float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, sample := range samples {
		if sample > 1.0 {
			sample = 1.0
		} else if sample < -1.0 {
			sample = -1.0
		}
		v := math.Round(float64(sample) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		result[i] = int16(v)
	}
	return result
}

// Resampler handles audio resampling from one sample rate to another
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
	logger     *slog.Logger
}

// NewResampler creates a new resampler
func NewResampler(inputRate, outputRate int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
		logger:     logger,
	}, nil
}

// Resample performs simple linear interpolation resampling
func (r *Resampler) Resample(input []float32) ([]float32, error) {
	if len(input) == 0 {
		return []float32{}, nil
	}

	// Calculate output size
	outputSize := int(float64(len(input)) * r.ratio)
	if outputSize == 0 {
		return []float32{}, nil
	}

	output := make([]float32, outputSize)

	// Simple linear interpolation
	for i := 0; i < outputSize; i++ {
		// Calculate position in input
		pos := float64(i) / r.ratio
		idx := int(pos)

		// Handle bounds
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}

		// Linear interpolation
		frac := pos - float64(idx)
		output[i] = input[idx]*(1-float32(frac)) + input[idx+1]*float32(frac)
	}

	return output, nil
}

// ChunkBuffer buffers audio frames into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int       // Samples per chunk
	buffer    []float32 // Accumulated samples
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a new chunk buffer
func NewChunkBuffer(sampleRate, chunkDurationMs int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}

	// Calculate chunk size in samples
	// chunkDurationMs=20, sampleRate=48000 → 960 samples
	chunkSize := (sampleRate * chunkDurationMs) / 1000

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize),
		logger:    logger,
	}
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	// Emit every full chunk, keep the remainder for the next call
	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

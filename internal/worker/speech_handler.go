package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"storyreel/internal/artifacts"
	"storyreel/internal/fingerprint"
	"storyreel/internal/models"
)

const (
	speechSampleRate = 16000
	speechMsPerChar  = 60
	speechMaxMillis  = 30000
)

// SpeechHandler produces narration audio. The placeholder synthesis emits a
// PCM tone whose pitch derives from the fingerprint and whose length tracks
// the narration text, so downstream consumers get plausible durations.
type SpeechHandler struct {
	store artifacts.Store
}

// NewSpeechHandler builds a handler writing into the given artifact store.
func NewSpeechHandler(store artifacts.Store) *SpeechHandler {
	return &SpeechHandler{store: store}
}

// Handle synthesizes and stores one narration clip.
func (h *SpeechHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	fp, err := jobFingerprint(job)
	if err != nil {
		return nil, err
	}
	content, _ := job.Metadata[metaContent].(string)
	if content == "" {
		return nil, fmt.Errorf("job %s has no narration text", job.ID)
	}

	millis := len(content) * speechMsPerChar
	if millis > speechMaxMillis {
		millis = speechMaxMillis
	}
	if millis < speechMsPerChar {
		millis = speechMsPerChar
	}

	report(30, "synthesizing narration")
	wav := synthesizeTone(fp, millis)

	report(85, "storing narration")
	key := artifacts.Key(models.KindSpeechGeneration, fp)
	path, err := h.store.Put(ctx, key, wav, artifacts.ContentType(models.KindSpeechGeneration))
	if err != nil {
		return nil, fmt.Errorf("store narration: %w", err)
	}

	return map[string]any{
		"path":        path,
		"fingerprint": string(fp),
		"duration_ms": millis,
	}, nil
}

// synthesizeTone renders a 16-bit mono PCM WAV of the given duration. The
// frequency comes from the first fingerprint byte, mapped into a speech-ish
// 120-380 Hz range.
func synthesizeTone(fp fingerprint.Fingerprint, millis int) []byte {
	freq := 120.0 + float64(hexVal(fp[0])<<4|hexVal(fp[1]))
	samples := speechSampleRate * millis / 1000
	pcm := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / speechSampleRate)
		// Taper the edges to avoid clicks.
		env := 1.0
		if fade := samples / 20; fade > 0 {
			if i < fade {
				env = float64(i) / float64(fade)
			} else if samples-i < fade {
				env = float64(samples-i) / float64(fade)
			}
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*env*0.6*math.MaxInt16)))
	}
	return wrapWAV(pcm)
}

// wrapWAV prepends a canonical 44-byte RIFF header for 16-bit mono PCM.
func wrapWAV(pcm []byte) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))
	byteRate := uint32(speechSampleRate * 2)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))         // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))          // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))          // mono
	binary.Write(&buf, binary.LittleEndian, uint32(speechSampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))          // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))         // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/castvoice/internal/cliplib/postgres"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/ingest"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Response headers set by the decide route.
const (
	HeaderOutcome  = "X-Castvoice-Outcome"
	HeaderLineID   = "X-Castvoice-Line-Id"
	HeaderAttempts = "X-Castvoice-Attempts"
)

const defaultNearestK = 5

func (s *Server) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"speakers": s.eng.Speakers()})
}

// clipResponse describes an ingested or stored clip.
type clipResponse struct {
	ID         string         `json:"id"`
	Category   audio.Category `json:"category"`
	SampleRate int            `json:"sample_rate"`
	DurationMs int64          `json:"duration_ms"`
	Quality    audio.Quality  `json:"quality"`
	RecordedAt time.Time      `json:"recorded_at"`
}

func newClipResponse(c audio.Clip, cat audio.Category) clipResponse {
	return clipResponse{
		ID:         c.ID(),
		Category:   cat,
		SampleRate: c.SampleRate(),
		DurationMs: c.Duration().Milliseconds(),
		Quality:    c.Quality(),
		RecordedAt: c.RecordedAt(),
	}
}

// readClip decodes a WAV request body into a clip. Quality metrics given as
// query parameters win; a missing naturalness or emotional match defaults to
// 1, as the clip is a real recording. measure reports that no clarity was
// given, so it has to be measured from the signal.
func (s *Server) readClip(w http.ResponseWriter, r *http.Request) (clip audio.Clip, measure bool, err error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		return audio.Clip{}, false, fmt.Errorf("read body: %w", err)
	}
	pcm, rate, err := audio.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, false, err
	}

	q := r.URL.Query()
	quality := audio.Quality{Naturalness: 1, EmotionalMatch: 1}
	measure = true
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"clarity", &quality.Clarity},
		{"naturalness", &quality.Naturalness},
		{"emotional_match", &quality.EmotionalMatch},
	} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil || x < 0 || x > 1 {
			return audio.Clip{}, false, fmt.Errorf("%s %q must be a number in [0, 1]", f.name, v)
		}
		*f.dst = x
		if f.name == "clarity" {
			measure = false
		}
	}

	recordedAt := time.Now()
	if v := q.Get("recorded_at"); v != "" {
		if recordedAt, err = time.Parse(time.RFC3339, v); err != nil {
			return audio.Clip{}, false, fmt.Errorf("recorded_at: %w", err)
		}
	}

	clip, err = audio.NewClip(pcm, rate, quality, recordedAt)
	return clip, measure, err
}

// rejectionResponse describes a dropped piece of an uploaded recording.
type rejectionResponse struct {
	OffsetMs   int64   `json:"offset_ms"`
	DurationMs int64   `json:"duration_ms"`
	Reason     string  `json:"reason"`
	Clarity    float64 `json:"clarity,omitempty"`
}

// ingestResponse lists the clips stored from one upload.
type ingestResponse struct {
	Clips    []clipResponse      `json:"clips"`
	Rejected []rejectionResponse `json:"rejected"`
}

func newIngestResponse(res ingest.Result, cat audio.Category) ingestResponse {
	out := ingestResponse{
		Clips:    make([]clipResponse, len(res.Segments)),
		Rejected: make([]rejectionResponse, len(res.Rejected)),
	}
	for i, seg := range res.Segments {
		out.Clips[i] = newClipResponse(seg.Clip, cat)
	}
	for i, r := range res.Rejected {
		out.Rejected[i] = rejectionResponse{
			OffsetMs:   r.Offset.Milliseconds(),
			DurationMs: r.Duration.Milliseconds(),
			Reason:     r.Reason,
			Clarity:    r.Clarity,
		}
	}
	return out
}

// handleAddClip splits an uploaded recording into segments, drops unusable
// ones and stores the rest.
func (s *Server) handleAddClip(w http.ResponseWriter, r *http.Request) {
	speaker := r.PathValue("speaker")
	cat := audio.CategoryGameplay
	if v := r.URL.Query().Get("category"); v != "" {
		var err error
		if cat, err = audio.ParseCategory(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	clip, measure, err := s.readClip(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.eng.Ingest(r.Context(), speaker, clip, cat, measure)
	switch {
	case errors.Is(err, ingest.ErrNoUsableAudio):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"rejected": newIngestResponse(res, cat).Rejected,
		})
	case err != nil:
		writeError(w, statusFor(err), err)
	default:
		writeJSON(w, http.StatusCreated, newIngestResponse(res, cat))
	}
}

// handleListClips lists a speaker's stored clips in insertion order.
func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	clips, err := s.eng.Clips(r.PathValue("speaker"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]engine.ClipInfo{"clips": clips})
}

func (s *Server) handleClipStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.ClipStats(r.PathValue("speaker"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvictClip(w http.ResponseWriter, r *http.Request) {
	ok, err := s.eng.EvictClip(r.Context(), r.PathValue("speaker"), r.PathValue("id"))
	switch {
	case err != nil:
		writeError(w, statusFor(err), err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("clip not found"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleNearest finds the stored clips that sound most like the uploaded one.
func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	if s.nearest == nil {
		writeError(w, http.StatusNotImplemented, errors.New("similarity search needs the postgres clip store"))
		return
	}
	k := defaultNearestK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("k %q must be a positive integer", v))
			return
		}
		k = n
	}
	query, _, err := s.readClip(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	found, err := s.nearest.NearestClips(r.Context(), r.PathValue("speaker"), postgres.Features(query), k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]clipResponse, len(found))
	for i, sc := range found {
		out[i] = newClipResponse(sc.Clip, sc.Category)
	}
	writeJSON(w, http.StatusOK, map[string][]clipResponse{"clips": out})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	version, err := s.eng.Retrain(r.Context(), r.PathValue("speaker"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"version": version})
}

// modelResponse is the public view of a voice model.
type modelResponse struct {
	Speaker        string    `json:"speaker"`
	Version        uint64    `json:"version"`
	Pitch          float64   `json:"pitch_hz"`
	Tempo          float64   `json:"tempo"`
	Clarity        float64   `json:"clarity"`
	EmotionalRange float64   `json:"emotional_range"`
	BaselineClips  []string  `json:"baseline_clips"`
	TrainedAt      time.Time `json:"trained_at"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	speaker := r.PathValue("speaker")
	m, ok := s.eng.Model(speaker)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no model for %q", speaker))
		return
	}
	ids := make([]string, len(m.BaselineClips))
	for i, c := range m.BaselineClips {
		ids[i] = c.ID()
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Speaker:        m.Speaker,
		Version:        m.Version,
		Pitch:          m.Pitch,
		Tempo:          m.Tempo,
		Clarity:        m.Clarity,
		EmotionalRange: m.EmotionalRange,
		BaselineClips:  ids,
		TrainedAt:      m.TrainedAt,
	})
}

// lineJSON is the wire form of a commentary line.
type lineJSON struct {
	ID           string           `json:"id,omitempty"`
	Text         string           `json:"text"`
	Category     audio.Category   `json:"category"`
	Style        commentary.Style `json:"style,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	QualityHint  float64          `json:"quality_hint,omitempty"`
	Origin       string           `json:"origin,omitempty"`
	LastSpokenAt time.Time        `json:"last_spoken_at,omitzero"`
}

type seedRequest struct {
	Persona string     `json:"persona"`
	Lines   []lineJSON `json:"lines"`
}

func (s *Server) handleSeedLines(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	lines := make([]commentary.Line, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = commentary.Line{
			Text:        l.Text,
			Category:    l.Category,
			Style:       l.Style,
			Tags:        l.Tags,
			QualityHint: l.QualityHint,
		}
	}
	added, err := s.eng.SeedLines(r.Context(), r.PathValue("speaker"), req.Persona, lines)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"added": added, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	speaker := r.PathValue("speaker")
	sess, ok := s.eng.Lookup(speaker)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no lines for %q", speaker))
		return
	}
	lines := sess.Library.Lines()
	out := make([]lineJSON, len(lines))
	for i, l := range lines {
		out[i] = lineJSON{
			ID:           l.ID,
			Text:         l.Text,
			Category:     l.Category,
			Style:        l.Style,
			Tags:         l.Tags,
			QualityHint:  l.QualityHint,
			Origin:       l.Origin.String(),
			LastSpokenAt: l.LastSpokenAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string][]lineJSON{"lines": out})
}

func (s *Server) handleRetireLine(w http.ResponseWriter, r *http.Request) {
	ok, err := s.eng.RetireLine(r.Context(), r.PathValue("speaker"), r.PathValue("id"))
	switch {
	case err != nil:
		writeError(w, statusFor(err), err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("line not found"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeContext(r *http.Request) (commentary.GameContext, error) {
	var gc commentary.GameContext
	if r.ContentLength == 0 {
		return gc, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&gc); err != nil && !errors.Is(err, io.EOF) {
		return gc, fmt.Errorf("decode game context: %w", err)
	}
	return gc, nil
}

// handleDecide runs one decision cycle and answers with the accepted clip as
// WAV, or 204 when the speaker stays silent. The outcome header says why.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	gc, err := decodeContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dec, clip, err := s.eng.DecideDetailed(r.Context(), r.PathValue("speaker"), gc)
	w.Header().Set(HeaderOutcome, string(dec.Outcome))
	if dec.LineID != "" {
		w.Header().Set(HeaderLineID, dec.LineID)
	}
	w.Header().Set(HeaderAttempts, strconv.Itoa(dec.Attempts))
	if dec.Outcome == types.OutcomeInvalidContext {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if clip == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := audio.EncodeClipWAV(*clip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		observe.Logger(r.Context()).Debug("write clip response", "err", err)
	}
}

// decisionResult is one speaker's entry in a batch decision.
type decisionResult struct {
	ClipID     string `json:"clip_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleDecideAll runs one cycle for several speakers at once. Accepted clips
// go to the engine sink; the response lists what happened per speaker.
func (s *Server) handleDecideAll(w http.ResponseWriter, r *http.Request) {
	var contexts map[string]commentary.GameContext
	if err := json.NewDecoder(r.Body).Decode(&contexts); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	results := s.eng.DecideAll(r.Context(), contexts)
	out := make(map[string]decisionResult, len(results))
	for speaker, res := range results {
		var dr decisionResult
		if res.Clip != nil {
			dr.ClipID = res.Clip.ID()
			dr.DurationMs = res.Clip.Duration().Milliseconds()
		}
		if res.Err != nil {
			dr.Error = res.Err.Error()
		}
		out[speaker] = dr
	}
	writeJSON(w, http.StatusOK, map[string]map[string]decisionResult{"results": out})
}

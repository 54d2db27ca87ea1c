package engine

import (
	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/synth"
	"github.com/MrWong99/castvoice/internal/voicemodel"
)

// Errors surfaced by the engine. They are the owning packages' sentinels, so
// errors.Is works with either name. None of them is fatal: every one means
// "stay silent this cycle" for the affected speaker only.
var (
	// ErrUnknownSpeaker: the speaker has no clips yet.
	ErrUnknownSpeaker = cliplib.ErrUnknownSpeaker

	// ErrInsufficientData: too few clips to train; the previous model stays.
	ErrInsufficientData = voicemodel.ErrInsufficientData

	// ErrModelUnavailable: no training has succeeded for the speaker.
	ErrModelUnavailable = synth.ErrModelUnavailable

	// ErrSynthesisQualityFailure: every attempt failed the quality gate.
	ErrSynthesisQualityFailure = gate.ErrSynthesisQualityFailure

	// ErrInvalidContext: the game context was malformed.
	ErrInvalidContext = commentary.ErrInvalidContext
)

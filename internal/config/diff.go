package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged is true when any hot-reloadable engine tunable changed.
	EngineChanged bool

	SpeakersChanged bool
	SpeakerChanges  []SpeakerDiff

	// RestartRequired lists sections that changed but only apply on restart.
	RestartRequired []string
}

// SpeakerDiff describes what changed for a single speaker.
type SpeakerDiff struct {
	ID                 string
	PersonaChanged     bool
	PersonalityChanged bool
	// NewLines are seeded lines present in the new config only.
	NewLines []LineConfig
	Added    bool
	Removed  bool
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.EngineChanged && !d.SpeakersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oe, ne := old.Engine, new.Engine
	oe.OutputSampleRate, ne.OutputSampleRate = 0, 0
	oe.CategoryWeights, ne.CategoryWeights = nil, nil
	d.EngineChanged = !reflect.DeepEqual(oe, ne)
	if old.Engine.OutputSampleRate != new.Engine.OutputSampleRate ||
		!reflect.DeepEqual(old.Engine.CategoryWeights, new.Engine.CategoryWeights) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}

	for name, changed := range map[string]bool{
		"server.listen_addr": old.Server.ListenAddr != new.Server.ListenAddr,
		"providers":          !reflect.DeepEqual(old.Providers, new.Providers),
		"storage":            old.Storage != new.Storage,
		"events":             old.Events != new.Events,
		"scheduler":          old.Scheduler != new.Scheduler,
		"playback":           old.Playback != new.Playback,
	} {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	slices.Sort(d.RestartRequired)

	oldSp := make(map[string]*SpeakerConfig, len(old.Speakers))
	for i := range old.Speakers {
		oldSp[old.Speakers[i].ID] = &old.Speakers[i]
	}
	newSp := make(map[string]*SpeakerConfig, len(new.Speakers))
	for i := range new.Speakers {
		newSp[new.Speakers[i].ID] = &new.Speakers[i]
	}

	for id, o := range oldSp {
		n, ok := newSp[id]
		if !ok {
			d.SpeakerChanges = append(d.SpeakerChanges, SpeakerDiff{ID: id, Removed: true})
			continue
		}
		sd := diffSpeaker(o, n)
		if sd.PersonaChanged || sd.PersonalityChanged || len(sd.NewLines) > 0 {
			d.SpeakerChanges = append(d.SpeakerChanges, sd)
		}
	}
	for id, n := range newSp {
		if _, ok := oldSp[id]; !ok {
			d.SpeakerChanges = append(d.SpeakerChanges, SpeakerDiff{ID: id, Added: true, NewLines: n.Lines})
		}
	}
	slices.SortFunc(d.SpeakerChanges, func(a, b SpeakerDiff) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	d.SpeakersChanged = len(d.SpeakerChanges) > 0
	return d
}

// diffSpeaker compares two configs of the same speaker.
func diffSpeaker(old, new *SpeakerConfig) SpeakerDiff {
	sd := SpeakerDiff{ID: new.ID}
	sd.PersonaChanged = old.Persona != new.Persona
	sd.PersonalityChanged = !reflect.DeepEqual(old.Personality, new.Personality)
	for _, l := range new.Lines {
		if !slices.ContainsFunc(old.Lines, func(o LineConfig) bool { return o.Text == l.Text }) {
			sd.NewLines = append(sd.NewLines, l)
		}
	}
	return sd
}

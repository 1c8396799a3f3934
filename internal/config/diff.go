package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GlossaryChanged means the domain vocabulary fed to the STT prompt and
	// the translation instructions changed; running sessions pick it up via
	// a prompt update, no reconnect needed.
	GlossaryChanged bool
	NewGlossary     string

	// Target language changes apply to sessions started after the reload.
	TargetsAdded   []string
	TargetsRemoved []string
}

// Changed reports whether the diff carries anything to apply.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GlossaryChanged ||
		len(d.TargetsAdded) > 0 || len(d.TargetsRemoved) > 0
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Glossary != new.Session.Glossary {
		d.GlossaryChanged = true
		d.NewGlossary = new.Session.Glossary
	}

	for _, tag := range new.Session.TargetLangs {
		if !slices.Contains(old.Session.TargetLangs, tag) {
			d.TargetsAdded = append(d.TargetsAdded, tag)
		}
	}
	for _, tag := range old.Session.TargetLangs {
		if !slices.Contains(new.Session.TargetLangs, tag) {
			d.TargetsRemoved = append(d.TargetsRemoved, tag)
		}
	}

	return d
}

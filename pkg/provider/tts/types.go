package tts

// Request describes one segment to synthesise.
type Request struct {
	// Text is the translated segment to voice.
	Text string

	// Language is the BCP 47 tag of Text. Providers that infer language from
	// the text itself may ignore it.
	Language string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string

	// Speed adjusts speaking rate (0.5–2.0). Zero means default.
	Speed float64
}

// Voice describes one synthesis voice offered by a provider.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Languages lists BCP 47 tags the voice handles well. Empty means the
	// provider did not declare language coverage.
	Languages []string
}

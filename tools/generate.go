package main

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Duckduckgot/gtts"
	"github.com/Duckduckgot/gtts/handlers"
	"github.com/Duckduckgot/gtts/voices"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"speakerd/assets"
)

var speech = gtts.Speech{Folder: "assets/tone", Language: voices.English, Handler: &handlers.MPlayer{}}

// prompts are spoken as written; the file name is derived from the text.
var prompts = map[assets.Tone]string{
	assets.ToneWireless: "Wireless mode",
	assets.ToneIntro:    "Intro mode",
	assets.ToneStorage:  "Storage mode",
	assets.ToneNetwork:  "Network mode",
}

func main() {
	for _, tone := range assets.Tones() {
		Audio(tone, prompts[tone])
	}
}

func Audio(tone assets.Tone, text string) {
	name, err := toASCII(text)
	handleError(name, err)

	// The bundled table fixes the file names.
	filename := fmt.Sprintf("%d_%s", int(tone), name)
	if filename != tone.String() {
		handleError(filename, fmt.Errorf("prompt %q would be written as %s, want %s", text, filename, tone.String()))
	}
	handleError(speech.CreateSpeechFile(text, filename))
}

func handleError(_ string, err error) {
	if err != nil {
		panic(fmt.Sprintf("Error generating audio: %s", err.Error()))
	}
}

func toASCII(str string) (string, error) {
	// Step 1: Decompose and remove diacritics (accents)
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)), // Remove non-spacing marks
	)
	normalized, _, err := transform.String(t, str)
	if err != nil {
		return "", err
	}

	// Step 2: Remove non-ASCII and non-alphanumeric characters
	filtered := strings.Map(func(r rune) rune {
		if r > 127 {
			return -1
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, normalized)

	filtered = strings.TrimSpace(strings.ToLower(filtered))
	filtered = strings.Join(strings.Fields(filtered), "_")

	if filtered == "" {
		return "", fmt.Errorf("resulting filename is empty after processing")
	}

	return filtered, nil
}

package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/metrics"
)

// NoTextMarker is what the model answers for an image without text.
const NoTextMarker = "NO_TEXT"

// Older transcripts used these markers for the same outcome.
var noTextMarkers = []string{NoTextMarker, "SIN_TEXTO"}

const transcribeSystemPrompt = `You transcribe text from images.
Return every piece of visible text exactly as written, preserving line breaks.
Do not describe the image, translate, or add commentary.
If the image contains no text, answer exactly: ` + NoTextMarker

// ImageExtensions lists the file types the transcriber accepts.
var ImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// Transcriber extracts text from images with a vision model.
type Transcriber struct {
	model *Model
}

// NewTranscriber creates a transcriber.
func NewTranscriber(model *Model) *Transcriber {
	return &Transcriber{model: model}
}

// Model returns the model name.
func (t *Transcriber) Model() string {
	return t.model.Name()
}

// Transcribe returns the text in the image at path. An image without text
// yields an empty string and no error.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	mime, ok := ImageExtensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", executor.Fatal(fmt.Errorf("unsupported image type: %s", filepath.Base(path)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", executor.Fatal(fmt.Errorf("read image: %w", err))
	}
	if len(data) == 0 {
		return "", executor.Fatal(fmt.Errorf("empty image file: %s", filepath.Base(path)))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, transcribeSystemPrompt),
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart("Transcribe all the text in this image."),
				llms.BinaryPart(mime, data),
			},
		},
	}

	reply, err := t.model.complete(ctx, metrics.OpTranscribe, messages,
		llms.WithTemperature(0),
		llms.WithMaxTokens(1000),
	)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filepath.Base(path), err)
	}
	return CleanTranscript(reply), nil
}

// CleanTranscript trims a model reply and maps the no-text markers to "".
func CleanTranscript(reply string) string {
	text := strings.TrimSpace(reply)
	for _, m := range noTextMarkers {
		if strings.EqualFold(strings.Trim(text, ".\"' "), m) {
			return ""
		}
	}
	return text
}

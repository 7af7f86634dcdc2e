package transcription

import (
	"strings"

	"github.com/foxseedlab/kikitori/internal/transcriber"
)

type Transcript struct {
	Text       string  `json:"transcript"`
	SpeakerTag *string `json:"speakerTag"`
	IsFinal    bool    `json:"isFinal"`
}

func transcriptFromResponse(resp transcriber.Response) (Transcript, bool) {
	if len(resp.Results) == 0 {
		return Transcript{}, false
	}
	result := resp.Results[0]
	if len(result.Alternatives) == 0 {
		return Transcript{}, false
	}
	alt := result.Alternatives[0]

	var speakerTag *string
	if len(alt.Words) > 0 && alt.Words[0].SpeakerLabel != "" {
		label := alt.Words[0].SpeakerLabel
		speakerTag = &label
	}
	return Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		SpeakerTag: speakerTag,
		IsFinal:    result.IsFinal,
	}, true
}

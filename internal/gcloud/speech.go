// Package gcloud wraps the Google Cloud services the pipeline depends on:
// Speech-to-Text for dialogue timing, Cloud Storage for staging audio, and
// Vision for frame OCR. Each wrapper exposes the narrow surface a stage
// needs so tests can substitute fakes.
package gcloud

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// Word is one recognized word with its time offsets.
type Word struct {
	Word         string  `json:"word"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// SpeechClient runs long-running recognition against staged audio.
type SpeechClient struct {
	client *speech.Client
}

// NewSpeechClient creates a Speech-to-Text client. credentialsFile may be
// empty to use ambient application default credentials.
func NewSpeechClient(ctx context.Context, credentialsFile string) (*SpeechClient, error) {
	client, err := speech.NewClient(ctx, clientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("creating speech client: %w", err)
	}
	return &SpeechClient{client: client}, nil
}

// Close releases the underlying connection.
func (c *SpeechClient) Close() error {
	return c.client.Close()
}

// RecognizeURI transcribes stereo 48 kHz FLAC audio at a gs:// URI and
// returns word-level timings. Only the first channel is recognized; the
// channels carry the same dialogue.
func (c *SpeechClient) RecognizeURI(ctx context.Context, gcsURI string) ([]Word, error) {
	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:              speechpb.RecognitionConfig_FLAC,
			SampleRateHertz:       48000,
			AudioChannelCount:     2,
			LanguageCode:          "en-US",
			EnableWordTimeOffsets: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI},
		},
	}

	op, err := c.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("starting recognition: %w", err)
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for recognition: %w", err)
	}

	var words []Word
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		for _, w := range alternatives[0].GetWords() {
			words = append(words, Word{
				Word:         w.GetWord(),
				StartSeconds: w.GetStartTime().AsDuration().Seconds(),
				EndSeconds:   w.GetEndTime().AsDuration().Seconds(),
			})
		}
	}
	return words, nil
}

// clientOptions builds common client options.
func clientOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}

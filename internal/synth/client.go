// Package synth provides the client for the external generative speech
// endpoint. It sends one chunk of text plus a voice identifier using one
// credential, decodes the base64 PCM payload, and classifies failures as
// invalid-credential, quota-exceeded, or other.
package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/tts-pool-service/internal/core"
)

// API paths and headers.
const (
	apiGenerateContentFormat = "/v1beta/models/%s:generateContent"

	headerContentType = "Content-Type"
	headerAPIKey      = "x-goog-api-key"
	contentTypeJSON   = "application/json"
)

const audioResponseModality = "AUDIO"

// Static errors.
var (
	ErrTextEmpty     = errors.New("text cannot be empty")
	ErrVoiceEmpty    = errors.New("voice cannot be empty")
	ErrEmptyAudio    = errors.New("endpoint returned no audio data")
	ErrMalformedBody = errors.New("endpoint returned a malformed response body")
)

// Client talks to the generative speech endpoint over HTTP. Every call takes
// its credential explicitly; the client holds no key state of its own.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewClient creates a synthesis client for the endpoint at baseURL using the
// given model identifier. The timeout applies to every request.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}
}

// Request and response wire types for the generateContent call.
type generateRequest struct {
	Contents         []contentBlock   `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type contentBlock struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type generateResponse struct {
	Candidates []struct {
		Content contentBlock `json:"content"`
	} `json:"candidates"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Synthesize converts text to raw PCM samples using the given credential.
// The endpoint returns audio as base64-encoded 16-bit PCM at 24 kHz; the
// decoded bytes are returned without container framing. Failures are
// classified via Classify; unrecognized errors stay ordinary errors.
func (c *Client) Synthesize(ctx context.Context, secret, text, voice string) ([]byte, error) {
	inputErr := validateInputs(secret, text, voice)
	if inputErr != nil {
		return nil, inputErr
	}

	requestBody, err := json.Marshal(newGenerateRequest(text, voice))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	url := c.baseURL + fmt.Sprintf(apiGenerateContentFormat, c.model)

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAPIKey, secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach synthesis endpoint at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	return decodeAudioResponse(resp.Body)
}

func validateInputs(secret, text, voice string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty secret", core.ErrInvalidCredential)
	}

	if text == "" {
		return ErrTextEmpty
	}

	if voice == "" {
		return ErrVoiceEmpty
	}

	return nil
}

func newGenerateRequest(text, voice string) generateRequest {
	return generateRequest{
		Contents: []contentBlock{
			{Parts: []contentPart{{Text: text, InlineData: nil}}},
		},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{audioResponseModality},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
	}
}

// parseErrorResponse decodes the structured error body and classifies it.
// Non-JSON bodies fall back to the raw text so diagnostics are preserved.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errorResp apiErrorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Error.Message != "" {
		return Classify(resp.StatusCode, errorResp.Error.Status+": "+errorResp.Error.Message)
	}

	body, _ := io.ReadAll(resp.Body)

	return Classify(resp.StatusCode, fmt.Sprintf("status %s: %s", resp.Status, string(body)))
}

func decodeAudioResponse(body io.Reader) ([]byte, error) {
	var response generateResponse

	err := json.NewDecoder(body).Decode(&response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}

	encoded := firstInlineAudio(response)
	if encoded == "" {
		return nil, ErrEmptyAudio
	}

	audioData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio payload: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

func firstInlineAudio(response generateResponse) string {
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return part.InlineData.Data
			}
		}
	}

	return ""
}

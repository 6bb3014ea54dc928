package tts

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxAudioSize bounds a binary synthesis payload read into memory.
const maxAudioSize = 64 << 20

// ResponseBody is the normalized shape of a successful synthesis reply. It
// is decided once at the HTTP boundary; the concrete type is either Binary
// or Envelope.
type ResponseBody interface {
	responseBody()
}

// Binary is raw audio returned in the response body.
type Binary struct {
	Data      []byte
	MIMEType  string
	RequestID string
}

// Envelope is a JSON reply pointing at remotely hosted audio.
type Envelope struct {
	URL       string
	MIMEType  string
	RequestID string
}

func (Binary) responseBody()   {}
func (Envelope) responseBody() {}

type envelopeWire struct {
	AudioURL    string `json:"audioUrl"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	RequestID   string `json:"requestId"`
}

type errorWire struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeResponse reads a 2xx response into a ResponseBody. requestID from
// the x-request-id header is carried through when present.
func decodeResponse(resp *http.Response) (ResponseBody, error) {
	mediaType := contentType(resp.Header.Get("Content-Type"))
	headerID := resp.Header.Get("x-request-id")

	if strings.HasPrefix(mediaType, "audio/") {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize+1))
		if err != nil {
			return nil, networkError(fmt.Errorf("read audio body: %w", err))
		}
		if len(data) > maxAudioSize {
			return nil, malformed("audio payload exceeds %d bytes", maxAudioSize)
		}
		if len(data) == 0 {
			return nil, malformed("empty audio payload")
		}
		return Binary{Data: data, MIMEType: mediaType, RequestID: headerID}, nil
	}

	var env envelopeWire
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &SynthesisError{Kind: KindMalformed, Message: "response is neither audio nor valid JSON", Err: err}
	}
	url := env.AudioURL
	if url == "" {
		url = env.URL
	}
	if url == "" {
		return nil, malformed("response is missing audioUrl")
	}
	mimeType := contentType(env.ContentType)
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	requestID := env.RequestID
	if requestID == "" {
		requestID = headerID
	}
	return Envelope{URL: url, MIMEType: mimeType, RequestID: requestID}, nil
}

// decodeError turns a non-2xx response into a SynthesisError, preferring the
// JSON {error|message} body over the status line.
func decodeError(resp *http.Response) *SynthesisError {
	msg := resp.Status
	if msg == "" {
		msg = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(body) > 0 {
		var ew errorWire
		if json.Unmarshal(body, &ew) == nil {
			switch {
			case ew.Error != "":
				msg = ew.Error
			case ew.Message != "":
				msg = ew.Message
			}
		}
	}
	return &SynthesisError{Kind: KindServer, Message: msg, HTTPStatus: resp.StatusCode}
}

func contentType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}

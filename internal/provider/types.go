package provider

// AspectRatios supported by the generation endpoint.
var AspectRatios = map[string]bool{
	"16:9": true,
	"9:16": true,
}

const (
	// MinDurationSeconds and MaxDurationSeconds bound the per-clip length
	// accepted by the provider.
	MinDurationSeconds = 5
	MaxDurationSeconds = 10
)

// ReferenceImage is an encoded still attached to a generation request to
// seed visual continuity from the previous clip.
type ReferenceImage struct {
	Data     []byte
	MIMEType string // "image/jpeg" or "image/png"
}

// GenerationRequest describes one video generation job. The API key is
// request-scoped and is never retained by the client.
type GenerationRequest struct {
	APIKey          string
	Prompt          string
	AspectRatio     string
	DurationSeconds int
	ReferenceImage  *ReferenceImage
}

// JobHandle identifies an in-flight generation operation. The key is carried
// so subsequent polls authenticate as the submitter.
type JobHandle struct {
	Name   string
	APIKey string
}

// PollResult is one observation of an operation's state.
type PollResult struct {
	Done     bool
	AssetURI string
	Error    string
}

// Wire shapes for the predictLongRunning / operations API.

type submitRequest struct {
	Instances  []submitInstance `json:"instances"`
	Parameters submitParameters `json:"parameters"`
}

type submitInstance struct {
	Prompt string       `json:"prompt"`
	Image  *inlineImage `json:"image,omitempty"`
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type submitParameters struct {
	AspectRatio     string `json:"aspectRatio"`
	DurationSeconds int    `json:"durationSeconds"`
	NumberOfVideos  int    `json:"numberOfVideos"`
	Resolution      string `json:"resolution,omitempty"`
}

type operationResponse struct {
	Name     string              `json:"name"`
	Done     bool                `json:"done"`
	Error    *operationError     `json:"error,omitempty"`
	Response *operationResponse2 `json:"response,omitempty"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type operationResponse2 struct {
	GenerateVideoResponse *generateVideoResponse `json:"generateVideoResponse,omitempty"`
}

type generateVideoResponse struct {
	GeneratedSamples []generatedSample `json:"generatedSamples"`
}

type generatedSample struct {
	Video *sampleVideo `json:"video,omitempty"`
}

type sampleVideo struct {
	URI string `json:"uri"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

package domain

// Capability is a class of external service call that interchangeable providers fulfil.
type Capability string

const (
	CapabilityText   Capability = "text-generation"
	CapabilitySpeech Capability = "speech-synthesis"
	CapabilityImage  Capability = "image-generation"
	CapabilityUpload Capability = "storage-upload"
)

// Tier orders providers within a capability chain.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Rank returns the sort rank of a tier (primary first).
func (t Tier) Rank() int {
	if t == TierPrimary {
		return 0
	}
	return 1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierPrimary || t == TierFallback
}

// TextRequest is the input of a text-generation provider.
type TextRequest struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// TextResult is the output of a text-generation provider.
type TextResult struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// SpeechRequest is the input of a speech-synthesis provider.
type SpeechRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"` // mp3, wav, ...
}

// SpeechResult is the output of a speech-synthesis provider.
type SpeechResult struct {
	Audio      []byte `json:"-"`
	Format     string `json:"format"`
	Characters int    `json:"characters"`
}

// ImageRequest is the input of an image-generation provider.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"` // e.g. 1024x1024
}

// ImageResult is the output of an image-generation provider.
type ImageResult struct {
	URL  string `json:"url,omitempty"`
	Data []byte `json:"-"`
}

// UploadRequest is the input of a storage-upload provider.
type UploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

// UploadResult is the output of a storage-upload provider.
type UploadResult struct {
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// Pricing converts provider usage into USD.
// Units are capability specific: tokens for text, characters for speech,
// images for image generation and kilobytes for uploads.
type Pricing struct {
	PerCallUSD          float64 `yaml:"per_call_usd"           json:"per_call_usd"`
	PerThousandUnitsUSD float64 `yaml:"per_thousand_units_usd" json:"per_thousand_units_usd"`
}

// Cost returns the price for a single successful call consuming units.
func (p Pricing) Cost(units int) float64 {
	return p.PerCallUSD + float64(units)/1000*p.PerThousandUnitsUSD
}

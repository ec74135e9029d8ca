package review

// Assessment is the model's verdict on a scanned package
type Assessment struct {
	IsMalicious   bool     `json:"is_malicious"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Indicators    []string `json:"indicators,omitempty"`
}

// Config selects the model endpoint
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Concurrency int
}

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-5-mini"
	DefaultConcurrency = 2
)

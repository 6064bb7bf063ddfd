package provider

// ProviderError is a typed error for the provider package.
type ProviderError string

func (e ProviderError) Error() string { return string(e) }

const (
	ErrUnknownKind ProviderError = "unknown provider kind"
	ErrNoAPIKey    ProviderError = "provider requires an api key"
)

// Backend kinds accepted by New.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// Settings selects and configures a completion backend.
type Settings struct {
	Kind      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// New builds the Completer for the configured kind. An empty kind means
// openai, which also covers compatible servers via BaseURL.
func New(s Settings) (Completer, error) {
	switch s.Kind {
	case KindOpenAI, "":
		if s.APIKey == "" && s.BaseURL == "" {
			return nil, ErrNoAPIKey
		}
		return NewOpenAI(s.APIKey, s.BaseURL, s.Model, s.MaxTokens), nil
	case KindAnthropic:
		if s.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		return NewAnthropic(s.APIKey, s.BaseURL, s.Model, s.MaxTokens), nil
	default:
		return nil, ErrUnknownKind
	}
}

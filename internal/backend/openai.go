package backend

// DefaultCompletionsURL is the OpenAI legacy completions endpoint
const DefaultCompletionsURL = "https://api.openai.com/v1/completions"

// DefaultStop ends a completion at the turn separator or the end-of-message marker
var DefaultStop = []string{"\n\n\n", "<|im_end|>"}

// StreamDoneMarker is the payload of the final SSE record
const StreamDoneMarker = "[DONE]"

// CompletionRequest represents the request body for the completions API
type CompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	BestOf           *int     `json:"best_of,omitempty"`
	Stop             []string `json:"stop"`
	Stream           bool     `json:"stream"`
}

// CompletionChoice is one generated continuation. Text is nil when the
// field is absent from the record.
type CompletionChoice struct {
	Text         *string `json:"text"`
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// CompletionResponse represents a complete response or a single streamed record
type CompletionResponse struct {
	ID      string                 `json:"id,omitempty"`
	Object  string                 `json:"object,omitempty"`
	Created int64                  `json:"created,omitempty"`
	Model   string                 `json:"model,omitempty"`
	Choices []CompletionChoice     `json:"choices"`
	Usage   map[string]interface{} `json:"usage,omitempty"`
}

// FirstText returns the text of the first choice. It reports false when
// there is no choice or the first choice carries no text field.
func (r CompletionResponse) FirstText() (string, bool) {
	if len(r.Choices) == 0 || r.Choices[0].Text == nil {
		return "", false
	}
	return *r.Choices[0].Text, true
}

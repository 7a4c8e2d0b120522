// Package oai normalizes inbound OpenAI request shapes (Chat Completions and
// Responses API) into one canonical request record consumed by the pipeline.
package oai

// ToolChoiceMode is the normalized tool_choice constraint.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolDef is a declared function tool.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tooling carries the normalized tool surface of a request.
type Tooling struct {
	Tools             []ToolDef
	ChoiceMode        ToolChoiceMode
	FunctionName      string
	ParallelToolCalls bool
}

// HasTool reports whether name is among the declared tools.
func (t Tooling) HasTool(name string) bool {
	for _, td := range t.Tools {
		if td.Name == name {
			return true
		}
	}
	return false
}

// ContextEntry is one prior-turn or synthetic hint line sent upstream ahead of
// the prompt.
type ContextEntry struct {
	Text        string
	Description string
}

// LocationHint feeds the substrate locationInfo block.
type LocationHint struct {
	TimeZone        string
	CountryOrRegion string
}

// ResponseFormat mirrors OpenAI response_format / Responses text.format.
type ResponseFormat struct {
	Type   string // "json_object" or "json_schema"
	Schema map[string]any
}

// CanonicalRequest is the parser's product: everything the pipeline and the
// transports need, independent of which API surface the request arrived on.
type CanonicalRequest struct {
	Model  string
	Stream bool

	PromptText        string
	AdditionalContext []ContextEntry

	Location            LocationHint
	ContextualResources map[string]any

	Tooling        Tooling
	ResponseFormat *ResponseFormat

	ReasoningEffort string
	Temperature     *float64

	// UserKey is the per-user fallback conversation key.
	UserKey string

	// m365_* body extensions; header values take precedence in the pipeline.
	TransportOverride string
	ConversationID    string
	ConversationKey   string
	NewConversation   bool
}

// ResponsesRequest wraps a CanonicalRequest with Responses-API-only fields.
// Input is kept verbatim for echoing in the response body.
type ResponsesRequest struct {
	Canonical          *CanonicalRequest
	PreviousResponseID string
	Instructions       string
	Input              any
}

// Options configures parsing; values come from config.
type Options struct {
	DefaultModel                 string
	DefaultTimeZone              string
	MaxAdditionalContextMessages int
}

func (o Options) contextCap() int {
	if o.MaxAdditionalContextMessages <= 0 {
		return 16
	}
	return o.MaxAdditionalContextMessages
}

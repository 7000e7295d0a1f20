package configstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HeaderPair preserves header ordering and duplicates, resolving design doc
// Section 9 Open Question (3) in favor of an ordered list over a map.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BodyKind tags how a mock/error response body should be produced,
// modeling the design's tagged-union redesign of the source's
// `body: any` field (design doc Section 9).
type BodyKind int

const (
	BodyJSON BodyKind = iota
	BodyString
	BodyFileRef
)

// Body is a parsed-once tagged union over a mock/error response body.
type Body struct {
	Kind    BodyKind
	JSON    json.RawMessage // BodyJSON
	String  string          // BodyString
	FileRef string          // BodyFileRef — path after stripping the leading "@"
}

// UnmarshalJSON parses "@path" as a BodyFileRef, a JSON string as
// BodyString, and any other JSON value as BodyJSON — parsed once at load
// time per design doc Section 9.
func (b *Body) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.HasPrefix(s, "@") {
			b.Kind = BodyFileRef
			b.FileRef = strings.TrimPrefix(s, "@")
			return nil
		}
		b.Kind = BodyString
		b.String = s
		return nil
	}
	b.Kind = BodyJSON
	b.JSON = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON round-trips the tagged union back to its original JSON shape
// (design doc Section 8: "Load(path) compose Serialize(config) = config").
func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BodyFileRef:
		return json.Marshal("@" + b.FileRef)
	case BodyString:
		return json.Marshal(b.String)
	default:
		if len(b.JSON) == 0 {
			return []byte("null"), nil
		}
		return b.JSON, nil
	}
}

// MockRequestMatch is the `request` side of a MockResponse rule.
type MockRequestMatch struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Nth    int    `json:"nth,omitempty"`
}

// MockResponseSpec is the `response` side of a MockResponse rule.
type MockResponseSpec struct {
	StatusCode int          `json:"statusCode"`
	Headers    []HeaderPair `json:"headers,omitempty"`
	Body       Body         `json:"body"`
}

// MockResponse is one rule in mocks.json (design doc Section 3).
type MockResponse struct {
	Request  MockRequestMatch  `json:"request"`
	Response MockResponseSpec  `json:"response"`
}

// MocksDocument is the envelope of mocks.json.
type MocksDocument struct {
	Mocks []MockResponse `json:"mocks"`
}

// ParseMocksDocument parses mocks.json bytes.
func ParseMocksDocument(data []byte) (*MocksDocument, error) {
	var doc MocksDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i, m := range doc.Mocks {
		if m.Request.Method == "" {
			return nil, fmt.Errorf("mock %d: request.method is required", i)
		}
	}
	return &doc, nil
}

// GenericErrorResponse is one entry in errors.json (design doc Section 6).
type GenericErrorResponse struct {
	StatusCode         int          `json:"statusCode"`
	Headers            []HeaderPair `json:"headers,omitempty"`
	Body               Body         `json:"body"`
	AddDynamicRetryAfter bool       `json:"addDynamicRetryAfter,omitempty"`
}

// ErrorsDocument is the envelope of errors.json.
type ErrorsDocument struct {
	Errors []GenericErrorResponse `json:"errors"`
}

// ParseErrorsDocument parses errors.json bytes.
func ParseErrorsDocument(data []byte) (*ErrorsDocument, error) {
	var doc ErrorsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CrudAction enumerates the seven supported CRUD operations (design doc
// Section 3), each with a default HTTP method applied when Method is empty.
type CrudAction string

const (
	CrudCreate CrudAction = "Create"
	CrudGetAll CrudAction = "GetAll"
	CrudGetOne CrudAction = "GetOne"
	CrudGetMany CrudAction = "GetMany"
	CrudMerge  CrudAction = "Merge"
	CrudUpdate CrudAction = "Update"
	CrudDelete CrudAction = "Delete"
)

// DefaultMethod returns the spec-mandated default HTTP method for a.
func (a CrudAction) DefaultMethod() string {
	switch a {
	case CrudCreate:
		return "POST"
	case CrudGetAll, CrudGetOne, CrudGetMany:
		return "GET"
	case CrudMerge:
		return "PATCH"
	case CrudUpdate:
		return "PUT"
	case CrudDelete:
		return "DELETE"
	default:
		return "GET"
	}
}

// CrudAuthMode is the auth marker for a CRUD definition or action.
type CrudAuthMode string

const (
	CrudAuthNone  CrudAuthMode = "None"
	CrudAuthEntra CrudAuthMode = "Entra"
)

// CrudActionDef is one configured action within a CrudApiDefinition.
type CrudActionDef struct {
	Action   CrudAction   `json:"action"`
	Method   string       `json:"method,omitempty"`
	URL      string       `json:"url"`
	Query    string       `json:"query,omitempty"`
	Response *MockResponseSpec `json:"response,omitempty"`
	Auth     CrudAuthMode `json:"auth,omitempty"`
}

// EffectiveMethod returns Method if set, otherwise Action's default.
func (a CrudActionDef) EffectiveMethod() string {
	if a.Method != "" {
		return a.Method
	}
	return a.Action.DefaultMethod()
}

// CrudApiDefinition is the parsed crud-api.json document (design doc
// Section 3).
type CrudApiDefinition struct {
	BaseURL  string          `json:"baseUrl"`
	DataFile string          `json:"dataFile"`
	Auth     CrudAuthMode    `json:"auth,omitempty"`
	Actions  []CrudActionDef `json:"actions"`
}

// ParseCrudApiDefinition parses crud-api.json bytes.
func ParseCrudApiDefinition(data []byte) (*CrudApiDefinition, error) {
	var def CrudApiDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// RateLimitResponseDocument is the single MockResponseResponse document at
// rate-limit-response.json (design doc Section 6).
type RateLimitResponseDocument struct {
	StatusCode int          `json:"statusCode"`
	Headers    []HeaderPair `json:"headers,omitempty"`
	Body       Body         `json:"body"`
}

// ParseRateLimitResponseDocument parses rate-limit-response.json bytes.
func ParseRateLimitResponseDocument(data []byte) (*RateLimitResponseDocument, error) {
	var doc RateLimitResponseDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

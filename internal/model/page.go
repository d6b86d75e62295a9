package model

import "time"

// Page is a loaded web page as seen by the extraction roles.
type Page struct {
	URL        string        `json:"url"`
	FinalURL   string        `json:"final_url"`
	StatusCode int           `json:"status_code"`
	Title      string        `json:"title,omitempty"`
	HTML       string        `json:"-"`
	Text       string        `json:"-"`
	Screenshot []byte        `json:"-"`
	Loader     string        `json:"loader"`
	LoadTime   time.Duration `json:"load_time"`
}

// HasHTML reports whether the page carries markup usable for DOM extraction.
func (p *Page) HasHTML() bool {
	return p != nil && p.HTML != ""
}

// NavigationResult is what the navigator collaborator reports.
type NavigationResult struct {
	Success    bool     `json:"success"`
	Status     int      `json:"status"`
	FinalURL   string   `json:"final_url"`
	LoadTimeMs int64    `json:"load_time_ms"`
	Errors     []string `json:"errors,omitempty"`
	Page       *Page    `json:"-"`
}

// ExtractionMethod names how a field value was obtained.
type ExtractionMethod string

const (
	MethodDOM ExtractionMethod = "dom"
	MethodOCR ExtractionMethod = "ocr"
)

// Extraction is one extractor or OCR result for a field.
type Extraction struct {
	Field      string           `json:"field"`
	Value      string           `json:"value"`
	Confidence float64          `json:"confidence"`
	Method     ExtractionMethod `json:"method"`
	Selector   string           `json:"selector,omitempty"`
}

// Judgment is the semantic validator's verdict on one field.
type Judgment struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Heuristic  bool    `json:"heuristic"`
}

// Artifact is one piece of evidence attached to a row.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

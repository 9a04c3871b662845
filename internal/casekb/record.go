// Package casekb defines the core types shared across the ingestion pipeline.
package casekb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RecordKind is the explicit tag of the record union. Batch files on disk
// distinguish the variants by the presence of the error/validation_error
// keys; in memory the tag is always explicit.
type RecordKind string

const (
	// KindCase is a fully crawled case.
	KindCase RecordKind = "case"
	// KindCrawlFailure is a listed item whose detail fetch failed.
	KindCrawlFailure RecordKind = "crawl_failure"
	// KindInvalid is a crawled case that failed validation.
	KindInvalid RecordKind = "validation_failure"
)

// CaseFields holds the merged list+detail data for one advertising case.
type CaseFields struct {
	CaseID        int64    `json:"case_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	SourceURL     string   `json:"source_url"`
	MainImage     string   `json:"main_image,omitempty"`
	Images        []string `json:"images,omitempty"`
	VideoURL      string   `json:"video_url,omitempty"`
	BrandName     string   `json:"brand_name,omitempty"`
	BrandIndustry string   `json:"brand_industry,omitempty"`
	ActivityType  string   `json:"activity_type,omitempty"`
	Location      string   `json:"location,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	ScoreDecimal  string   `json:"score_decimal,omitempty"`
	Favourite     int      `json:"favourite,omitempty"`
	PublishTime   string   `json:"publish_time,omitempty"`
	Author        string   `json:"author,omitempty"`
	CompanyName   string   `json:"company_name,omitempty"`
	CompanyLogo   string   `json:"company_logo,omitempty"`
	AgencyName    string   `json:"agency_name,omitempty"`
}

// CrawlFailure records a listed item whose detail fetch failed.
type CrawlFailure struct {
	CaseID    int64     `json:"case_id"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Reason    string    `json:"error"`
	CrawledAt time.Time `json:"crawl_time,omitempty"`
}

// Record is the tagged union written to and read from batch files.
// Exactly one of Case/Failure is set depending on Kind; Reason carries the
// validation error for KindInvalid.
type Record struct {
	Kind    RecordKind
	Case    *CaseFields
	Failure *CrawlFailure
	Reason  string
}

// NewCase wraps fields as a successfully crawled record.
func NewCase(fields CaseFields) Record {
	return Record{Kind: KindCase, Case: &fields}
}

// NewCrawlFailure wraps a failed detail fetch.
func NewCrawlFailure(failure CrawlFailure) Record {
	return Record{Kind: KindCrawlFailure, Failure: &failure}
}

// Invalidate tags a case record as failing validation for the given reason.
func (r Record) Invalidate(reason string) Record {
	r.Kind = KindInvalid
	r.Reason = reason
	return r
}

// CaseID returns the source-system identifier regardless of variant.
func (r Record) CaseID() int64 {
	switch r.Kind {
	case KindCrawlFailure:
		if r.Failure != nil {
			return r.Failure.CaseID
		}
	default:
		if r.Case != nil {
			return r.Case.CaseID
		}
	}
	return 0
}

// ErrorType returns the taxonomy bucket for non-case variants.
func (r Record) ErrorType() ErrorType {
	switch r.Kind {
	case KindCrawlFailure:
		return ErrorCrawl
	case KindInvalid:
		return ErrorValidation
	default:
		return ""
	}
}

// MarshalJSON emits the on-disk shape: case fields flat, crawl failures with
// an error key, invalid cases with an attached validation_error.
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindCrawlFailure:
		if r.Failure == nil {
			return nil, fmt.Errorf("crawl failure record without failure payload")
		}
		return json.Marshal(r.Failure)
	case KindCase, KindInvalid:
		if r.Case == nil {
			return nil, fmt.Errorf("%s record without case payload", r.Kind)
		}
		payload := struct {
			CaseFields
			ValidationError string `json:"validation_error,omitempty"`
		}{CaseFields: *r.Case, ValidationError: r.Reason}
		return json.Marshal(payload)
	default:
		return nil, fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// rawRecord tolerates the duck-typed shapes older batch files carry:
// numeric fields encoded as strings, score as float or string, and the
// implicit union keyed off error/validation_error presence.
type rawRecord struct {
	CaseID          json.RawMessage `json:"case_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	SourceURL       string          `json:"source_url"`
	MainImage       string          `json:"main_image"`
	Images          []string        `json:"images"`
	VideoURL        string          `json:"video_url"`
	BrandName       string          `json:"brand_name"`
	BrandIndustry   string          `json:"brand_industry"`
	ActivityType    string          `json:"activity_type"`
	Location        string          `json:"location"`
	Tags            []string        `json:"tags"`
	Score           json.RawMessage `json:"score"`
	ScoreDecimal    json.RawMessage `json:"score_decimal"`
	Favourite       json.RawMessage `json:"favourite"`
	PublishTime     string          `json:"publish_time"`
	Author          string          `json:"author"`
	CompanyName     string          `json:"company_name"`
	CompanyLogo     string          `json:"company_logo"`
	AgencyName      string          `json:"agency_name"`
	URL             string          `json:"url"`
	Error           string          `json:"error"`
	ValidationError string          `json:"validation_error"`
	CrawlTime       time.Time       `json:"crawl_time"`
}

// UnmarshalJSON decodes both producer shapes. Downstream code never branches
// on key presence again; this is the single boundary-decoding step.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode case record: %w", err)
	}

	if raw.Error != "" {
		r.Kind = KindCrawlFailure
		r.Case = nil
		r.Failure = &CrawlFailure{
			CaseID:    flexInt(raw.CaseID),
			URL:       raw.URL,
			Title:     raw.Title,
			Reason:    raw.Error,
			CrawledAt: raw.CrawlTime,
		}
		r.Reason = raw.Error
		return nil
	}

	fields := CaseFields{
		CaseID:        flexInt(raw.CaseID),
		Title:         raw.Title,
		Description:   raw.Description,
		SourceURL:     raw.SourceURL,
		MainImage:     raw.MainImage,
		Images:        raw.Images,
		VideoURL:      raw.VideoURL,
		BrandName:     raw.BrandName,
		BrandIndustry: raw.BrandIndustry,
		ActivityType:  raw.ActivityType,
		Location:      raw.Location,
		Tags:          raw.Tags,
		Score:         flexFloat(raw.Score),
		ScoreDecimal:  flexString(raw.ScoreDecimal),
		Favourite:     int(flexInt(raw.Favourite)),
		PublishTime:   raw.PublishTime,
		Author:        raw.Author,
		CompanyName:   raw.CompanyName,
		CompanyLogo:   raw.CompanyLogo,
		AgencyName:    raw.AgencyName,
	}
	r.Case = &fields
	r.Failure = nil
	if raw.ValidationError != "" {
		r.Kind = KindInvalid
		r.Reason = raw.ValidationError
		return nil
	}
	r.Kind = KindCase
	r.Reason = ""
	return nil
}

func flexInt(raw json.RawMessage) int64 {
	if f := flexFloat(raw); f != nil {
		return int64(*f)
	}
	return 0
}

func flexFloat(raw json.RawMessage) *float64 {
	s := flexString(raw)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	return string(raw)
}

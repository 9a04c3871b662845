// Package validator classifies crawled case records against the knowledge
// base's structural and domain rules. It is pure: no I/O, deterministic for
// any input.
package validator

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caseforge/casekb/internal/casekb"
)

const (
	minTitleRunes = 2
	maxTitleRunes = 500

	minScore = 1
	maxScore = 5

	publishTimeLayout = "2006-01-02"
)

// Column widths in the case table; Normalize truncates to these.
const (
	maxAuthorRunes        = 100
	maxBrandNameRunes     = 200
	maxBrandIndustryRunes = 100
	maxActivityTypeRunes  = 100
	maxLocationRunes      = 100
	maxScoreDecimalRunes  = 10
	maxCompanyNameRunes   = 200
	maxAgencyNameRunes    = 200
)

// Summary aggregates a batch partition.
type Summary struct {
	Total      int                      `json:"total"`
	Valid      int                      `json:"valid"`
	Invalid    int                      `json:"invalid"`
	ValidRate  float64                  `json:"valid_rate"`
	ErrorTypes map[casekb.ErrorType]int `json:"error_types"`
}

// Validate checks one record. It returns nil for a well-formed case and a
// descriptive reason otherwise. Records that already carry a crawl failure
// are rejected outright; the caller distinguishes them by kind.
func Validate(rec casekb.Record) error {
	if rec.Kind == casekb.KindCrawlFailure {
		reason := "crawl failed"
		if rec.Failure != nil && rec.Failure.Reason != "" {
			reason = rec.Failure.Reason
		}
		return fmt.Errorf("crawl error: %s", reason)
	}
	if rec.Case == nil {
		return fmt.Errorf("record has no case payload")
	}
	return validateFields(*rec.Case)
}

func validateFields(c casekb.CaseFields) error {
	if c.CaseID <= 0 {
		return fmt.Errorf("invalid case_id: %d", c.CaseID)
	}

	title := strings.TrimSpace(c.Title)
	switch n := len([]rune(title)); {
	case n < minTitleRunes:
		return fmt.Errorf("title too short or empty: %q", title)
	case n > maxTitleRunes:
		return fmt.Errorf("title too long: %d characters", n)
	}

	if err := validateURL(strings.TrimSpace(c.SourceURL)); err != nil {
		return fmt.Errorf("invalid source_url: %w", err)
	}

	if c.PublishTime != "" {
		if _, err := time.Parse(publishTimeLayout, c.PublishTime); err != nil {
			return fmt.Errorf("invalid publish_time format: %q", c.PublishTime)
		}
	}

	if c.Score != nil {
		score := *c.Score
		if score != math.Trunc(score) {
			return fmt.Errorf("score must be an integer: %v", score)
		}
		if score < minScore || score > maxScore {
			return fmt.Errorf("score out of range [%d,%d]: %v", minScore, maxScore, score)
		}
	}

	if c.ScoreDecimal != "" {
		v, err := strconv.ParseFloat(c.ScoreDecimal, 64)
		if err != nil || v < 0 || v > 10 {
			return fmt.Errorf("invalid score_decimal: %q", c.ScoreDecimal)
		}
	}

	if c.Favourite < 0 {
		return fmt.Errorf("invalid favourite count: %d", c.Favourite)
	}

	for _, img := range c.Images {
		if err := validateURL(img); err != nil {
			return fmt.Errorf("invalid image URL %q: %w", img, err)
		}
	}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("empty tag")
		}
	}

	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// ValidateBatch partitions records into valid and invalid sets, preserving
// input order within each partition. Invalid case records retain their
// content with the reason attached; crawl failures pass through unchanged.
func ValidateBatch(records []casekb.Record) (valid, invalid []casekb.Record) {
	for _, rec := range records {
		if rec.Kind == casekb.KindCrawlFailure {
			invalid = append(invalid, rec)
			continue
		}
		if err := Validate(rec); err != nil {
			invalid = append(invalid, rec.Invalidate(err.Error()))
			continue
		}
		rec.Kind = casekb.KindCase
		rec.Reason = ""
		valid = append(valid, rec)
	}
	return valid, invalid
}

// Summarize produces the deterministic aggregate for a partition. An empty
// input yields a zero rate, not a division error.
func Summarize(valid, invalid []casekb.Record) Summary {
	s := Summary{
		Total:      len(valid) + len(invalid),
		Valid:      len(valid),
		Invalid:    len(invalid),
		ErrorTypes: make(map[casekb.ErrorType]int),
	}
	if s.Total > 0 {
		s.ValidRate = float64(s.Valid) / float64(s.Total)
	}
	for _, rec := range invalid {
		s.ErrorTypes[rec.ErrorType()]++
	}
	return s
}

// Normalize coerces out-of-contract values into storable ones before
// validation: integral scores clamped to range or dropped, negative
// favourites zeroed, over-length strings truncated to column width.
// It never mutates its input.
func Normalize(rec casekb.Record) casekb.Record {
	if rec.Case == nil {
		return rec
	}
	c := *rec.Case

	if c.Score != nil {
		rounded := math.Round(*c.Score)
		if rounded >= minScore && rounded <= maxScore {
			c.Score = &rounded
		} else {
			c.Score = nil
		}
	}
	if c.Favourite < 0 {
		c.Favourite = 0
	}

	c.Title = truncateRunes(c.Title, maxTitleRunes)
	c.Author = truncateRunes(c.Author, maxAuthorRunes)
	c.BrandName = truncateRunes(c.BrandName, maxBrandNameRunes)
	c.BrandIndustry = truncateRunes(c.BrandIndustry, maxBrandIndustryRunes)
	c.ActivityType = truncateRunes(c.ActivityType, maxActivityTypeRunes)
	c.Location = truncateRunes(c.Location, maxLocationRunes)
	c.ScoreDecimal = truncateRunes(c.ScoreDecimal, maxScoreDecimalRunes)
	c.CompanyName = truncateRunes(c.CompanyName, maxCompanyNameRunes)
	c.AgencyName = truncateRunes(c.AgencyName, maxAgencyNameRunes)

	rec.Case = &c
	return rec
}

// NormalizeBatch applies Normalize to every record, preserving order.
func NormalizeBatch(records []casekb.Record) []casekb.Record {
	out := make([]casekb.Record, len(records))
	for i, rec := range records {
		out[i] = Normalize(rec)
	}
	return out
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

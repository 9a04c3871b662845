// Package source talks to the remote case library: paginated list API plus
// per-case detail pages. The crawl stage owns pacing and retries; this
// package only fetches, parses and merges.
package source

import (
	"context"

	"github.com/caseforge/casekb/internal/casekb"
)

// ListItem is one entry of a list-API page.
type ListItem struct {
	CaseID       int64    `json:"id"`
	Title        string   `json:"title"`
	URL          string   `json:"url"`
	Score        *float64 `json:"score"`
	ScoreDecimal string   `json:"score_decimal"`
	Favourite    int      `json:"favourite"`
	CompanyName  string   `json:"company_name"`
	CompanyLogo  string   `json:"company_logo"`
	Thumb        string   `json:"thumb"`
}

// ListResult is one decoded page of the list API.
type ListResult struct {
	Items   []ListItem
	Total   int
	HasMore bool
}

// Detail is the parsed content of one case detail page.
type Detail struct {
	Title         string
	Description   string
	SourceURL     string
	MainImage     string
	Images        []string
	VideoURL      string
	Author        string
	PublishTime   string
	BrandName     string
	BrandIndustry string
	ActivityType  string
	Location      string
	Tags          []string
	AgencyName    string
}

// Client is the remote-source surface the crawl stage depends on.
type Client interface {
	ListPage(ctx context.Context, page int) (*ListResult, error)
	FetchDetail(ctx context.Context, item ListItem) (*Detail, error)
}

// Merge combines a list item with its detail page into case fields. The
// list wins for the fields only it carries reliably (id, scores, company),
// the detail wins for content fields; title and main image fall back to the
// list values when the detail page lacks them.
func Merge(item ListItem, detail *Detail) casekb.CaseFields {
	fields := casekb.CaseFields{
		CaseID:       item.CaseID,
		Title:        item.Title,
		SourceURL:    item.URL,
		MainImage:    item.Thumb,
		Score:        item.Score,
		ScoreDecimal: item.ScoreDecimal,
		Favourite:    item.Favourite,
		CompanyName:  item.CompanyName,
		CompanyLogo:  item.CompanyLogo,
	}
	if detail == nil {
		return fields
	}
	if detail.Title != "" {
		fields.Title = detail.Title
	}
	if detail.SourceURL != "" {
		fields.SourceURL = detail.SourceURL
	}
	if detail.MainImage != "" {
		fields.MainImage = detail.MainImage
	}
	fields.Description = detail.Description
	fields.Images = detail.Images
	fields.VideoURL = detail.VideoURL
	fields.Author = detail.Author
	fields.PublishTime = detail.PublishTime
	fields.BrandName = detail.BrandName
	fields.BrandIndustry = detail.BrandIndustry
	fields.ActivityType = detail.ActivityType
	fields.Location = detail.Location
	fields.Tags = detail.Tags
	fields.AgencyName = detail.AgencyName
	return fields
}

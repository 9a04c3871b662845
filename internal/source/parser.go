package source

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParseDetail extracts the case content from a detail page. pageURL is kept
// as the canonical source URL and used to resolve relative asset links.
func ParseDetail(html []byte, pageURL string) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	base, _ := url.Parse(pageURL)
	detail := &Detail{SourceURL: pageURL}

	detail.Title = strings.TrimSpace(doc.Find("h1.case-title").First().Text())
	if detail.Title == "" {
		detail.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	detail.Description = strings.TrimSpace(doc.Find("div.case-description").First().Text())

	doc.Find("div.case-gallery img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			return
		}
		if resolved := resolveURL(base, src); resolved != "" {
			detail.Images = append(detail.Images, resolved)
		}
	})
	if len(detail.Images) > 0 {
		detail.MainImage = detail.Images[0]
	}

	if src, ok := doc.Find("video.case-video source").First().Attr("src"); ok {
		detail.VideoURL = resolveURL(base, src)
	}

	doc.Find("ul.case-meta li").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Find("span.label").Text())
		value := strings.TrimSpace(s.Find("span.value").Text())
		if value == "" {
			return
		}
		switch strings.ToLower(strings.TrimSuffix(label, ":")) {
		case "brand":
			detail.BrandName = value
		case "industry":
			detail.BrandIndustry = value
		case "type":
			detail.ActivityType = value
		case "location":
			detail.Location = value
		case "author":
			detail.Author = value
		case "published":
			detail.PublishTime = value
		case "agency":
			detail.AgencyName = value
		}
	})

	doc.Find("div.case-tags a").Each(func(_ int, s *goquery.Selection) {
		if tag := strings.TrimSpace(s.Text()); tag != "" {
			detail.Tags = append(detail.Tags, tag)
		}
	})

	return detail, nil
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

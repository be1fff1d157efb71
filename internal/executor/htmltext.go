package executor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlToText strips markup from a rendered page, keeping one line per text
// block. Scripts, styles and navigation chrome carry no course content and
// are removed before extraction.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, nav, header, footer").Remove()

	var lines []string
	doc.Find("h1, h2, h3, h4, p, li, td, dt, dd").Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text == "" {
			return
		}
		switch goquery.NodeName(sel) {
		case "h1":
			text = "# " + text
		case "h2":
			text = "## " + text
		case "h3", "h4":
			text = "### " + text
		case "li":
			text = "- " + text
		}
		lines = append(lines, text)
	})
	return strings.Join(lines, "\n"), nil
}

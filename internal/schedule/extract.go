package schedule

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var statusSelectors = []string{
	"div#discon-fact.active p",
	"div#showCurOutage.active p",
	"div#discon-fact p",
}

const activeTableSelector = "div.discon-fact-tables div.discon-fact-table.active table"

var (
	// everything after the first update-info span is noise
	afterUpdateInfo = regexp.MustCompile(`(?s)(<span\s+class="_update_info"[^>]*>.*?</span>).*$`)
	updateInfoSpan  = regexp.MustCompile(`(?s)<span\s+class="_update_info"[^>]*>.*?</span>`)
	trailingStamp   = regexp.MustCompile(`[\s\-–—]*\d{2}:\d{2}\s+\d{2}\.\d{2}\.\d{4}\s*$`)
)

func parse(raw string) (*goquery.Document, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// ExtractStatusText returns the human-readable status paragraph of the
// page, or "" when no status block is present. The "updated at" stamp is
// removed so a refreshed timestamp alone never counts as a change.
func ExtractStatusText(raw string) string {
	doc, ok := parse(raw)
	if !ok {
		return ""
	}

	var block *goquery.Selection
	for _, sel := range statusSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			block = s
			break
		}
	}
	if block == nil {
		return ""
	}

	content, err := block.Html()
	if err != nil {
		return ""
	}
	content = afterUpdateInfo.ReplaceAllString(content, "$1")
	content = updateInfoSpan.ReplaceAllString(content, "")
	content = trailingStamp.ReplaceAllString(content, "")

	return renderText(content)
}

// renderText flattens an HTML fragment to text: one line per text node,
// lines trimmed, empty lines dropped.
func renderText(fragment string) string {
	doc, ok := parse("<div>" + fragment + "</div>")
	if !ok {
		return ""
	}
	var lines []string
	for _, n := range doc.Find("body").Nodes {
		collectText(n, &lines)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func collectText(n *html.Node, out *[]string) {
	if n.Type == html.TextNode {
		if s := strings.TrimSpace(n.Data); s != "" {
			*out = append(*out, s)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, out)
	}
}

// ExtractActiveRowCells returns the class of every hour cell in the first
// body row of the active schedule table. The two leading label cells are
// skipped. An absent table or row yields an empty slice.
func ExtractActiveRowCells(raw string) []CellClass {
	cells := []CellClass{}
	doc, ok := parse(raw)
	if !ok {
		return cells
	}
	table := doc.Find(activeTableSelector).First()
	if table.Length() == 0 {
		return cells
	}
	// HTML5 parsing adds the implied tbody, so a first row written without
	// one still counts. Pages come from the browser DOM, which always has it.
	row := table.Find("tbody tr").First()
	if row.Length() == 0 {
		return cells
	}

	row.Find("td").Each(func(i int, td *goquery.Selection) {
		if i < 2 {
			return
		}
		cells = append(cells, firstKnownClass(td))
	})
	return cells
}

func firstKnownClass(td *goquery.Selection) CellClass {
	attr, _ := td.Attr("class")
	fields := strings.Fields(attr)
	if len(fields) == 0 {
		return CellNone
	}
	if c := CellClass(fields[0]); c.known() {
		return c
	}
	return CellNone
}
